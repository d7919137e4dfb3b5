package enginesession

import (
	"context"
	"fmt"

	"github.com/veza-dj/control-plane/internal/model"
)

// DeliverTrackInfo pushes a getTrackInfo reply out of band, used by the
// Callback Router when a basic-features job started by an earlier
// getTrackInfo finally completes.
func (s *Session) DeliverTrackInfo(ctx context.Context, trackID uint, correlationID string) error {
	track, err := s.tracks.ByID(ctx, trackID)
	if err != nil {
		return fmt.Errorf("look up track for delivery: %w", err)
	}
	cues, err := s.hotCues.ByTrack(ctx, trackID)
	if err != nil {
		return fmt.Errorf("look up hot cues for delivery: %w", err)
	}
	env := envelope{TrackID: fmt.Sprint(trackID), RequestID: correlationID}
	reply := trackInfoReply(env, track)
	reply["hotCues"] = hotCuesPayload(cues)
	return s.send(reply)
}

// DeliverStemsReady pushes a stemsReady message, used by the Stem Fulfiller
// once all four stems are cached,
// always sequenced strictly after the matching getTrackInfo reply.
func (s *Session) DeliverStemsReady(ctx context.Context, trackID uint, paths map[model.StemName]string, correlationID string) error {
	return s.send(map[string]any{
		"success":   true,
		"type":      "stemsReady",
		"requestId": correlationID,
		"trackId":   fmt.Sprint(trackID),
		"stems":     paths,
	})
}

func hotCuesPayload(cues []*model.HotCue) []map[string]any {
	out := make([]map[string]any, 0, len(cues))
	for _, c := range cues {
		out = append(out, map[string]any{
			"index":    c.Index,
			"position": c.Position,
			"source":   string(c.Source),
		})
	}
	return out
}
