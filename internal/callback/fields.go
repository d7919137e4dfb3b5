package callback

import "encoding/json"

// rawFields resolves tolerant field-name aliasing on the basic_features
// callback payload in one place. Precedence: the first listed name that is
// present and decodes to the wanted type wins (str also skips empty strings).
type rawFields map[string]json.RawMessage

func (r rawFields) float(names ...string) (float64, bool) {
	for _, n := range names {
		raw, ok := r[n]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func (r rawFields) int(names ...string) (int, bool) {
	for _, n := range names {
		raw, ok := r[n]
		if !ok {
			continue
		}
		var i int
		if err := json.Unmarshal(raw, &i); err == nil {
			return i, true
		}
	}
	return 0, false
}

func (r rawFields) str(names ...string) (string, bool) {
	for _, n := range names {
		raw, ok := r[n]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s, true
		}
	}
	return "", false
}

func (r rawFields) bool(names ...string) (bool, bool) {
	for _, n := range names {
		raw, ok := r[n]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b, true
		}
	}
	return false, false
}

func (r rawFields) floatSlice(names ...string) []float64 {
	for _, n := range names {
		raw, ok := r[n]
		if !ok {
			continue
		}
		var s []float64
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return nil
}
