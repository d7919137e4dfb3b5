package model

import "time"

// Deck is one of the two engine-side playback slots.
type Deck string

const (
	DeckA Deck = "A"
	DeckB Deck = "B"
)

// DeckState maps each deck to its currently-loaded track, mutated only by
// engine-originated events.
type DeckState struct {
	A *uint
	B *uint
}

// Get returns the track ID currently loaded on the given deck, if any.
func (d *DeckState) Get(deck Deck) (uint, bool) {
	var p *uint
	switch deck {
	case DeckA:
		p = d.A
	case DeckB:
		p = d.B
	default:
		return 0, false
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Set records the track loaded on the given deck.
func (d *DeckState) Set(deck Deck, trackID uint) {
	id := trackID
	switch deck {
	case DeckA:
		d.A = &id
	case DeckB:
		d.B = &id
	}
}

// Clear removes the loaded track from the given deck.
func (d *DeckState) Clear(deck Deck) {
	switch deck {
	case DeckA:
		d.A = nil
	case DeckB:
		d.B = nil
	}
}

// CueSource distinguishes a user-performed cue edit from one imported from
// external tooling.
type CueSource string

const (
	CueSourceUser     CueSource = "user"
	CueSourceImported CueSource = "imported"
)

// HotCue is a named position (and optional loop span) within a track.
type HotCue struct {
	ID        string    `json:"id" db:"id"`
	TrackID   uint      `json:"track_id" db:"track_id"`
	Index     int       `json:"index" db:"cue_index"`
	Position  float64   `json:"position" db:"position"`
	Source    CueSource `json:"source" db:"source"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
