// Package enginesession implements the persistent bidirectional control
// channel to the playback engine: identify,
// keepalive ping/pong, exponential-backoff reconnect, request dispatch,
// deck-state tracking, and hot-cue write-back.
package enginesession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/config"
	"github.com/veza-dj/control-plane/internal/model"
	"github.com/veza-dj/control-plane/internal/monitoring"
	"github.com/veza-dj/control-plane/internal/store"
)

// ConnectionState is the session's connection lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// QueueEngine is the subset of internal/queue.Engine the session depends on
// to enqueue analysis jobs when a requested track isn't analysed yet.
type QueueEngine interface {
	Request(ctx context.Context, track *model.Track, opts model.Options, priority model.Priority, hook *model.DeliveryHook, force bool) (*model.AnalysisJob, error)
}

// StemProber is the subset of internal/stems.Fulfiller the session depends
// on to satisfy getTrackInfo{stems:true}.
type StemProber interface {
	EnsureForTrack(ctx context.Context, track *model.Track, correlationID string) error
}

// Session is the dependency-injected client connection to the playback
// engine. It is constructed once at startup and owns its own reconnect loop.
type Session struct {
	cfg    config.EngineConfig
	logger *zap.Logger

	tracks   *store.TrackStore
	hotCues  *store.HotCueStore
	decks    *store.DeckStateStore
	queue    QueueEngine
	stemFulfiller StemProber

	writeMu sync.Mutex
	conn    *websocket.Conn

	stateMu sync.RWMutex
	state   ConnectionState
	deck    model.DeckState

	shouldReconnect bool

	metrics *monitoring.Metrics
}

// SetMetrics wires the Prometheus metrics recorder after construction
// (matching the Fulfiller/Cache post-construction-setter idiom).
func (s *Session) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// New constructs a Session. Call Run to start the connect/reconnect loop.
func New(cfg config.EngineConfig, tracks *store.TrackStore, hotCues *store.HotCueStore, decks *store.DeckStateStore, queue QueueEngine, stemFulfiller StemProber, logger *zap.Logger) *Session {
	return &Session{
		cfg:             cfg,
		logger:          logger,
		tracks:          tracks,
		hotCues:         hotCues,
		decks:           decks,
		queue:           queue,
		stemFulfiller:   stemFulfiller,
		state:           StateDisconnected,
		shouldReconnect: true,
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(st ConnectionState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	if s.metrics != nil {
		s.metrics.SetEngineSessionConnected(st == StateConnected)
	}
}

// Run drives connect/reconnect until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	if loaded, err := s.decks.Load(ctx); err == nil {
		s.deck = *loaded
	}

	delay := s.cfg.ReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connected, err := s.connectAndServe(ctx)
		if err != nil {
			s.logger.Warn("engine session disconnected", zap.Error(err))
		}
		if connected {
			// The handshake succeeded, so the back-off resets to base even
			// though the connection has since dropped.
			delay = s.cfg.ReconnectDelay
		}

		s.stateMu.RLock()
		reconnect := s.shouldReconnect
		s.stateMu.RUnlock()
		if !reconnect {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

// connectAndServe dials the engine and serves the connection until it drops.
// connected reports whether the handshake succeeded, so Run can reset its
// reconnect back-off.
func (s *Session) connectAndServe(ctx context.Context) (connected bool, _ error) {
	s.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.WSURL, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return false, fmt.Errorf("%w: dial engine: %v", apperr.ErrTransient, err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	s.setState(StateConnected)

	if err := s.sendIdentify(); err != nil {
		s.logger.Warn("failed to send identify", zap.Error(err))
	}

	pingDone := make(chan struct{})
	go s.pingLoop(ctx, pingDone)
	defer close(pingDone)

	defer func() {
		s.writeMu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.writeMu.Unlock()
		s.setState(StateDisconnected)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read message: %w", err)
		}
		if err := s.handleInbound(ctx, raw); err != nil {
			s.logger.Warn("inbound message handling failed", zap.Error(err))
		}
	}
}

func (s *Session) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := s.send(map[string]any{"type": "ping"}); err != nil {
				s.logger.Debug("ping send failed", zap.Error(err))
				return
			}
		}
	}
}

// Stop disables reconnection and closes the current connection.
func (s *Session) Stop() {
	s.stateMu.Lock()
	s.shouldReconnect = false
	s.stateMu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Session) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("%w: no engine connection", apperr.ErrTransient)
	}
	return s.conn.WriteJSON(v)
}

func (s *Session) sendIdentify() error {
	return s.send(map[string]any{"type": "appServerIdentify", "role": "control-plane"})
}
