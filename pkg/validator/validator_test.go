package validator

import "testing"

func TestSafeURL(t *testing.T) {
	v := New()

	valid := []string{
		"https://worker.internal/stems/abc123/vocals.wav",
		"http://localhost:9000/stems/abc123/drums.wav",
	}
	for _, u := range valid {
		if err := v.SafeURL(u); err != nil {
			t.Errorf("expected %q to be valid, got %v", u, err)
		}
	}

	invalid := []string{
		"",
		"file:///etc/passwd",
		"javascript:alert(1)",
		"ftp://worker.internal/stems/vocals.wav",
		"https://worker.internal/\"><script>",
	}
	for _, u := range invalid {
		if err := v.SafeURL(u); err == nil {
			t.Errorf("expected %q to be rejected", u)
		}
	}
}

func TestSafeFSPath(t *testing.T) {
	v := New()

	valid := []string{
		"abc123/vocals.wav",
		"/srv/worker/output/abc123/drums.wav",
	}
	for _, p := range valid {
		if err := v.SafeFSPath(p); err != nil {
			t.Errorf("expected %q to be valid, got %v", p, err)
		}
	}

	invalid := []string{
		"",
		"../../etc/passwd",
		"stems/../../secrets",
	}
	for _, p := range invalid {
		if err := v.SafeFSPath(p); err == nil {
			t.Errorf("expected %q to be rejected", p)
		}
	}
}
