package enginesession

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/model"
)

// envelope is the generic shape of every message on the wire.
type envelope struct {
	Command string `json:"command,omitempty"`
	Event   string `json:"event,omitempty"`
	Type    string `json:"type,omitempty"`

	TrackID   string  `json:"trackId,omitempty"`
	Deck      string  `json:"deck,omitempty"`
	Stems     bool    `json:"stems,omitempty"`
	RequestID string  `json:"requestId,omitempty"`
	Index     int     `json:"index,omitempty"`
	Position  float64 `json:"position,omitempty"`
	Success   bool    `json:"success,omitempty"`
}

func (s *Session) handleInbound(ctx context.Context, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: malformed engine message: %v", apperr.ErrValidation, err)
	}

	switch {
	case env.Type == "welcome":
		s.logger.Info("engine identified")
		return nil
	case env.Type == "pong":
		return nil
	case env.Command == "getTrackInfo":
		return s.handleGetTrackInfo(ctx, env)
	case env.Command == "deck.setCue":
		return s.handleSetCue(ctx, env)
	case env.Event == "trackLoadRequested":
		return s.handleTrackLoadRequested(ctx, env)
	case env.Event == "trackLoaded":
		return s.handleTrackLoaded(ctx, env)
	case env.Event == "cuePointSet":
		return s.handleCuePointSet(ctx, env)
	case env.Event == "cuePointRemoved":
		return s.handleCuePointRemoved(ctx, env)
	case env.Event == "deckStateUpdate":
		return nil
	default:
		s.logger.Debug("unrecognised engine message", zap.ByteString("raw", raw))
		return nil
	}
}

func parseTrackID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: trackId %q is not a known track", apperr.ErrValidation, raw)
	}
	return uint(id), nil
}

func parseDeck(raw string) (model.Deck, error) {
	switch model.Deck(raw) {
	case model.DeckA, model.DeckB:
		return model.Deck(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown deck %q", apperr.ErrValidation, raw)
	}
}

// handleGetTrackInfo updates DeckState if a deck is named, fetches the
// track, and replies immediately (or enqueues a basic-features job and
// replies in-progress). Strictly after the reply is sent, it probes stems
// if requested, so the engine always sees the track-info reply first.
func (s *Session) handleGetTrackInfo(ctx context.Context, env envelope) error {
	trackID, err := parseTrackID(env.TrackID)
	if err != nil {
		return s.send(trackInfoError(env, "unknown track"))
	}

	if env.Deck != "" {
		if deck, derr := parseDeck(env.Deck); derr == nil {
			s.deck.Set(deck, trackID)
			s.persistDeckState(ctx)
		}
	}

	track, err := s.tracks.ByID(ctx, trackID)
	if err != nil {
		return s.send(trackInfoError(env, "track not found"))
	}

	if !track.HasTempo() {
		hook := &model.DeliveryHook{Kind: model.HookTrackInfo, EngineTrackID: env.TrackID, CorrelationID: env.RequestID}
		if _, err := s.queue.Request(ctx, track, model.Options{BasicFeatures: true}, model.PriorityHigh, hook, false); err != nil {
			s.logger.Warn("failed to enqueue basic-features for getTrackInfo", zap.Uint("track_id", trackID), zap.Error(err))
		}
		return s.send(trackInfoError(env, "Analysis in progress"))
	}

	cues, err := s.hotCues.ByTrack(ctx, trackID)
	if err != nil {
		s.logger.Warn("failed to load hot cues for getTrackInfo reply", zap.Uint("track_id", trackID), zap.Error(err))
	}
	reply := trackInfoReply(env, track)
	reply["hotCues"] = hotCuesPayload(cues)
	if err := s.send(reply); err != nil {
		return err
	}

	if env.Stems && s.stemFulfiller != nil {
		if err := s.stemFulfiller.EnsureForTrack(ctx, track, env.RequestID); err != nil {
			s.logger.Warn("stem fulfilment request failed", zap.Uint("track_id", trackID), zap.Error(err))
		}
	}
	return nil
}

func trackInfoError(env envelope, reason string) map[string]any {
	return map[string]any{
		"success":   false,
		"requestId": env.RequestID,
		"trackId":   env.TrackID,
		"error":     reason,
	}
}

func trackInfoReply(env envelope, t *model.Track) map[string]any {
	reply := map[string]any{
		"success":   true,
		"requestId": env.RequestID,
		"trackId":   env.TrackID,
		"filePath":  t.Path,
	}
	if t.Tempo != nil {
		reply["bpm"] = *t.Tempo
	}
	if t.MusicalKey != nil {
		reply["key"] = *t.MusicalKey
	}
	if t.Mode != nil {
		reply["mode"] = *t.Mode
	}
	if t.FirstBeatOffset != nil {
		reply["firstBeatOffset"] = *t.FirstBeatOffset
	}
	if t.FirstPhraseBeatNo != nil {
		reply["firstPhraseBeatNo"] = *t.FirstPhraseBeatNo
	}
	return reply
}

// handleSetCue persists the cue against the deck's current track with
// source user.
func (s *Session) handleSetCue(ctx context.Context, env envelope) error {
	deck, err := parseDeck(env.Deck)
	if err != nil {
		return err
	}
	trackID, ok := s.deck.Get(deck)
	if !ok {
		return fmt.Errorf("%w: deck.setCue on empty deck %s", apperr.ErrValidation, deck)
	}
	cue := &model.HotCue{TrackID: trackID, Index: env.Index, Position: env.Position, Source: model.CueSourceUser}
	if err := s.hotCues.Put(ctx, cue); err != nil {
		return fmt.Errorf("persist hot cue: %w", err)
	}
	return nil
}

// handleTrackLoadRequested updates DeckState immediately so subsequent cue
// events resolve against the right track.
func (s *Session) handleTrackLoadRequested(ctx context.Context, env envelope) error {
	deck, err := parseDeck(env.Deck)
	if err != nil {
		return err
	}
	trackID, err := parseTrackID(env.TrackID)
	if err != nil {
		return err
	}
	s.deck.Set(deck, trackID)
	s.persistDeckState(ctx)
	return nil
}

// handleTrackLoaded confirms or clears DeckState.
func (s *Session) handleTrackLoaded(ctx context.Context, env envelope) error {
	deck, err := parseDeck(env.Deck)
	if err != nil {
		return err
	}
	if !env.Success {
		s.deck.Clear(deck)
		s.persistDeckState(ctx)
		return nil
	}
	trackID, err := parseTrackID(env.TrackID)
	if err != nil {
		return err
	}
	s.deck.Set(deck, trackID)
	s.persistDeckState(ctx)
	return nil
}

// handleCuePointSet persists the engine-side cue edit against the deck's
// current track.
func (s *Session) handleCuePointSet(ctx context.Context, env envelope) error {
	if !env.Success {
		return nil
	}
	return s.handleSetCue(ctx, env)
}

// handleCuePointRemoved deletes the user-source cue for that track/index.
func (s *Session) handleCuePointRemoved(ctx context.Context, env envelope) error {
	if !env.Success {
		return nil
	}
	deck, err := parseDeck(env.Deck)
	if err != nil {
		return err
	}
	trackID, ok := s.deck.Get(deck)
	if !ok {
		return nil
	}
	return s.hotCues.DeleteByTrackIndexSource(ctx, trackID, env.Index, model.CueSourceUser)
}

func (s *Session) persistDeckState(ctx context.Context) {
	if err := s.decks.Save(ctx, &s.deck); err != nil {
		s.logger.Warn("failed to persist deck state", zap.Error(err))
	}
}
