package lobby

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultWatchBuffer is the per-subscriber channel capacity.
const DefaultWatchBuffer = 16

// Hub fans lobby events out to per-lobby watchers. The store publishes each
// lobby's events in Version order. A slow watcher drops events instead of
// blocking the mutation path; watchers are expected to re-fetch the lobby
// when they see a gap in Version.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[chan models.LobbyEvent]struct{}
	buffer int
	logger logrus.FieldLogger
}

// NewHub returns an empty hub.
func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[chan models.LobbyEvent]struct{}),
		buffer: DefaultWatchBuffer,
		logger: logger,
	}
}

// Subscribe registers a watcher for lobbyID. The returned channel is closed
// after a terminal event (deleted, expired) or when cancel is called.
func (h *Hub) Subscribe(lobbyID uuid.UUID) (<-chan models.LobbyEvent, func()) {
	ch := make(chan models.LobbyEvent, h.buffer)

	h.mu.Lock()
	set, ok := h.subs[lobbyID]
	if !ok {
		set = make(map[chan models.LobbyEvent]struct{})
		h.subs[lobbyID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		set, ok := h.subs[lobbyID]
		if !ok {
			return
		}
		if _, ok := set[ch]; !ok {
			return
		}
		delete(set, ch)
		close(ch)
		if len(set) == 0 {
			delete(h.subs, lobbyID)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every watcher of its lobby without blocking.
func (h *Hub) Publish(ev models.LobbyEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[ev.LobbyID]
	for ch := range set {
		select {
		case ch <- ev:
		default:
			h.logger.WithFields(logrus.Fields{
				"lobby": ev.LobbyID,
				"event": ev.Type,
			}).Warn("watcher channel full, dropped event")
		}
	}
	if ev.Type.Terminal() {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, ev.LobbyID)
	}
}

// Watchers returns the number of watchers on lobbyID.
func (h *Hub) Watchers(lobbyID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[lobbyID])
}
