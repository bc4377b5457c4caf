package lobby

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Expiry defaults. The client heartbeat period must stay strictly below
// DefaultExpiryThreshold so a single missed heartbeat does not kill a lobby.
const (
	DefaultExpiryThreshold = 30 * time.Second
	DefaultSweepInterval   = 5 * time.Second
)

// Sweeper periodically deletes lobbies whose host stopped sending heartbeats.
// It is the only source of implicit deletion.
type Sweeper struct {
	store     *Store
	threshold time.Duration
	interval  time.Duration
	logger    logrus.FieldLogger

	// OnSweep, if set, is called after every pass with the expired ids.
	OnSweep func(expired []uuid.UUID)
}

// NewSweeper returns a sweeper over store. Zero durations take the defaults.
func NewSweeper(store *Store, threshold, interval time.Duration) *Sweeper {
	if threshold <= 0 {
		threshold = DefaultExpiryThreshold
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:     store,
		threshold: threshold,
		interval:  interval,
		logger:    store.logger,
	}
}

// Threshold is the heartbeat age after which a lobby expires.
func (sw *Sweeper) Threshold() time.Duration { return sw.threshold }

// Sweep runs one pass and returns the ids it expired.
func (sw *Sweeper) Sweep() []uuid.UUID {
	expired := sw.store.ExpireStale(sw.threshold)
	if len(expired) > 0 {
		sw.logger.WithField("count", len(expired)).Debug("sweeper expired lobbies")
	}
	if sw.OnSweep != nil {
		sw.OnSweep(expired)
	}
	return expired
}

// Start launches the sweep loop on the store's clock and returns a channel
// closed once the loop has exited after ctx is cancelled. The ticker is
// created before Start returns.
func (sw *Sweeper) Start(ctx context.Context) <-chan struct{} {
	ticker := sw.store.clock.Ticker(sw.interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.Sweep()
			}
		}
	}()
	return done
}
