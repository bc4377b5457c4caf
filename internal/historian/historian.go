// internal/historian/historian.go is the archiver that drains the lobby event
// queue into durable storage in batches and marks lobbies abandoned once
// nothing has been heard from them for a while.
package historian

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/sirupsen/logrus"
)

// Source yields queued lobby events. *cache.Queue implements it.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (models.LobbyEvent, bool, error)
}

// Sink persists events. database.Archive implements it.
type Sink interface {
	WriteEvents(ctx context.Context, events []models.LobbyEvent) error
	MarkAbandoned(ctx context.Context, lobbyID uuid.UUID) error
}

// Config tunes batching and inactivity tracking.
type Config struct {
	BatchSize       int
	FlushInterval   time.Duration
	Inactivity      time.Duration
	InactivityCheck time.Duration
	PopTimeout      time.Duration
}

// DefaultConfig returns the defaults used by cmd/historian.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		FlushInterval:   2 * time.Second,
		Inactivity:      10 * time.Minute,
		InactivityCheck: time.Minute,
		PopTimeout:      3 * time.Second,
	}
}

// maxPendingBatches bounds how much a failing sink can make us hold.
const maxPendingBatches = 20

const writeTimeout = 10 * time.Second

// Historian moves events from a Source to a Sink.
type Historian struct {
	src    Source
	sink   Sink
	cfg    Config
	clock  clock.Clock
	logger logrus.FieldLogger

	batchMu sync.Mutex
	batch   []models.LobbyEvent

	// serializes sink writes so batches land in queue order
	flushMu sync.Mutex

	activityMu   sync.Mutex
	lastActivity map[uuid.UUID]time.Time
}

// Option configures a Historian.
type Option func(*Historian)

func WithClock(c clock.Clock) Option {
	return func(h *Historian) { h.clock = c }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Historian) { h.logger = l }
}

// New builds a historian. Zero config fields take their defaults.
func New(src Source, sink Sink, cfg Config, opts ...Option) *Historian {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = def.Inactivity
	}
	if cfg.InactivityCheck <= 0 {
		cfg.InactivityCheck = def.InactivityCheck
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = def.PopTimeout
	}

	h := &Historian{
		src:          src,
		sink:         sink,
		cfg:          cfg,
		clock:        clock.New(),
		logger:       logrus.StandardLogger(),
		batch:        make([]models.LobbyEvent, 0, cfg.BatchSize),
		lastActivity: make(map[uuid.UUID]time.Time),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the read, flush and inactivity loops and blocks until ctx is
// done. Whatever is still batched is flushed before it returns.
func (h *Historian) Run(ctx context.Context) {
	flushTicker := h.clock.Ticker(h.cfg.FlushInterval)
	inactivityTicker := h.clock.Ticker(h.cfg.InactivityCheck)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		h.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer flushTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-flushTicker.C:
				h.Flush(ctx)
			}
		}
	}()
	go func() {
		defer wg.Done()
		defer inactivityTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-inactivityTicker.C:
				h.CheckInactivity(ctx)
			}
		}
	}()

	h.logger.WithFields(logrus.Fields{
		"batch":      h.cfg.BatchSize,
		"flush":      h.cfg.FlushInterval,
		"inactivity": h.cfg.Inactivity,
	}).Info("historian started")
	wg.Wait()

	finalCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	h.Flush(finalCtx)
	h.logger.Info("historian stopped")
}

func (h *Historian) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		ev, ok, err := h.src.Pop(ctx, h.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.WithError(err).Error("failed to pop lobby event")
			// back off so a dead queue does not spin
			select {
			case <-ctx.Done():
				return
			case <-h.clock.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		h.Add(ctx, ev)
	}
}

// Add records activity for the event's lobby and batches it, flushing when
// the batch is full.
func (h *Historian) Add(ctx context.Context, ev models.LobbyEvent) {
	h.activityMu.Lock()
	if ev.Type.Terminal() {
		delete(h.lastActivity, ev.LobbyID)
	} else {
		h.lastActivity[ev.LobbyID] = h.clock.Now()
	}
	h.activityMu.Unlock()

	h.batchMu.Lock()
	h.batch = append(h.batch, ev)
	full := len(h.batch) >= h.cfg.BatchSize
	h.batchMu.Unlock()

	if full {
		h.Flush(ctx)
	}
}

// Pending returns the number of batched, unwritten events.
func (h *Historian) Pending() int {
	h.batchMu.Lock()
	defer h.batchMu.Unlock()
	return len(h.batch)
}

// Flush writes the current batch. On failure the events are kept for the
// next flush, up to a bound past which the oldest are dropped.
func (h *Historian) Flush(ctx context.Context) {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	h.batchMu.Lock()
	if len(h.batch) == 0 {
		h.batchMu.Unlock()
		return
	}
	pending := h.batch
	h.batch = make([]models.LobbyEvent, 0, h.cfg.BatchSize)
	h.batchMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := h.sink.WriteEvents(wctx, pending)
	cancel()
	if err == nil {
		h.logger.WithField("count", len(pending)).Debug("flushed lobby events")
		return
	}

	h.logger.WithError(err).WithField("count", len(pending)).Error("failed to flush lobby events, will retry")
	h.batchMu.Lock()
	h.batch = append(pending, h.batch...)
	if limit := maxPendingBatches * h.cfg.BatchSize; len(h.batch) > limit {
		dropped := len(h.batch) - limit
		h.batch = append([]models.LobbyEvent(nil), h.batch[dropped:]...)
		h.logger.WithField("dropped", dropped).Warn("historian backlog full, dropped oldest events")
	}
	h.batchMu.Unlock()
}

// CheckInactivity marks every lobby idle for longer than the inactivity
// threshold as abandoned.
func (h *Historian) CheckInactivity(ctx context.Context) []uuid.UUID {
	now := h.clock.Now()
	var idle []uuid.UUID
	h.activityMu.Lock()
	for id, last := range h.lastActivity {
		if now.Sub(last) > h.cfg.Inactivity {
			idle = append(idle, id)
		}
	}
	h.activityMu.Unlock()
	if len(idle) == 0 {
		return nil
	}

	// the lobby's own events must land before it is marked
	h.Flush(ctx)

	var marked []uuid.UUID
	for _, id := range idle {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := h.sink.MarkAbandoned(wctx, id)
		cancel()
		if err != nil {
			h.logger.WithError(err).WithField("lobby", id).Error("failed to mark lobby abandoned")
			continue
		}
		h.activityMu.Lock()
		// a late event may have revived it meanwhile
		if last, ok := h.lastActivity[id]; ok && now.Sub(last) > h.cfg.Inactivity {
			delete(h.lastActivity, id)
		}
		h.activityMu.Unlock()
		marked = append(marked, id)
		h.logger.WithField("lobby", id).Info("marked lobby abandoned due to inactivity")
	}
	return marked
}

// Tracked returns the number of lobbies with recent activity.
func (h *Historian) Tracked() int {
	h.activityMu.Lock()
	defer h.activityMu.Unlock()
	return len(h.lastActivity)
}
