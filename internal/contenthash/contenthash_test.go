package contenthash

import (
	"strings"
	"testing"
)

func TestOfReaderDeterministic(t *testing.T) {
	a, err := OfReader(strings.NewReader("same audio bytes"))
	if err != nil {
		t.Fatalf("OfReader: %v", err)
	}
	b, err := OfReader(strings.NewReader("same audio bytes"))
	if err != nil {
		t.Fatalf("OfReader: %v", err)
	}
	if a != b {
		t.Errorf("expected identical input to hash identically, got %s != %s", a, b)
	}
	if len(a) != Length {
		t.Errorf("expected hash length %d, got %d", Length, len(a))
	}
}

func TestOfReaderDiffers(t *testing.T) {
	a, _ := OfReader(strings.NewReader("audio a"))
	b, _ := OfReader(strings.NewReader("audio b"))
	if a == b {
		t.Error("expected different input to hash differently")
	}
}

func TestValid(t *testing.T) {
	hash, _ := OfReader(strings.NewReader("some bytes"))
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"well formed hash", hash, true},
		{"too short", hash[:10], false},
		{"uppercase hex rejected", strings.ToUpper(hash), false},
		{"non-hex characters", strings.Repeat("g", Length), false},
		{"empty", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Valid(c.in); got != c.want {
				t.Errorf("Valid(%q) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}
