package model

import "fmt"

func errInvalidWaveform(field string, got, want int) error {
	return fmt.Errorf("waveform field %s has length %d, want %d", field, got, want)
}
