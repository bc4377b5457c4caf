// internal/historian/historian_test.go
package historian

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/lobbyd/internal/cache"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records writes and can be told to fail.
type fakeSink struct {
	mu        sync.Mutex
	batches   [][]models.LobbyEvent
	abandoned []uuid.UUID
	fail      bool
}

func (s *fakeSink) WriteEvents(_ context.Context, events []models.LobbyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("db down")
	}
	s.batches = append(s.batches, append([]models.LobbyEvent(nil), events...))
	return nil
}

func (s *fakeSink) MarkAbandoned(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = append(s.abandoned, id)
	return nil
}

func (s *fakeSink) written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeSink) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func event(id uuid.UUID, typ models.LobbyEventType, version int64) models.LobbyEvent {
	return models.LobbyEvent{LobbyID: id, Type: typ, Version: version, Timestamp: time.Now().UnixMilli()}
}

func TestHistorianDrainsQueue(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	q := cache.NewQueue(rdb, "")

	mc := clock.NewMock()
	sink := &fakeSink{}
	h := New(q, sink, Config{BatchSize: 2, FlushInterval: time.Second, PopTimeout: time.Second},
		WithClock(mc), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	id := uuid.New()
	for i, typ := range []models.LobbyEventType{models.EventCreated, models.EventPlayerJoined, models.EventLobbyUpdated} {
		require.NoError(t, q.Publish(context.Background(), event(id, typ, int64(i+1))))
	}

	// a full batch is written without waiting for the ticker
	require.Eventually(t, func() bool { return sink.written() >= 2 }, 3*time.Second, 10*time.Millisecond)

	// the remainder goes out on the next flush tick
	require.Eventually(t, func() bool {
		mc.Add(time.Second)
		return sink.written() == 3
	}, 3*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	assert.Len(t, sink.batches[0], 2)
	assert.Equal(t, models.EventCreated, sink.batches[0][0].Type)
	sink.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("historian did not stop")
	}
}

func TestHistorianRetriesFailedFlush(t *testing.T) {
	sink := &fakeSink{fail: true}
	h := New(nil, sink, Config{BatchSize: 10}, WithClock(clock.NewMock()), WithLogger(quietLogger()))
	ctx := context.Background()
	id := uuid.New()

	h.Add(ctx, event(id, models.EventCreated, 1))
	h.Add(ctx, event(id, models.EventPlayerJoined, 2))
	h.Flush(ctx)
	assert.Equal(t, 2, h.Pending())
	assert.Zero(t, sink.written())

	h.Add(ctx, event(id, models.EventPlayerLeft, 3))
	sink.setFail(false)
	h.Flush(ctx)
	assert.Zero(t, h.Pending())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.batches, 1)
	got := sink.batches[0]
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Version, "order kept across retries")
	}
}

func TestHistorianBacklogBounded(t *testing.T) {
	sink := &fakeSink{fail: true}
	h := New(nil, sink, Config{BatchSize: 1}, WithClock(clock.NewMock()), WithLogger(quietLogger()))
	ctx := context.Background()
	id := uuid.New()
	for i := 0; i < maxPendingBatches+5; i++ {
		h.Add(ctx, event(id, models.EventPlayerUpdated, int64(i+1)))
	}
	assert.Equal(t, maxPendingBatches, h.Pending())
}

func TestHistorianInactivity(t *testing.T) {
	mc := clock.NewMock()
	sink := &fakeSink{}
	h := New(nil, sink, Config{BatchSize: 100, Inactivity: 10 * time.Minute},
		WithClock(mc), WithLogger(quietLogger()))
	ctx := context.Background()

	idle, active, ended := uuid.New(), uuid.New(), uuid.New()
	h.Add(ctx, event(idle, models.EventCreated, 1))
	h.Add(ctx, event(active, models.EventCreated, 1))
	h.Add(ctx, event(ended, models.EventCreated, 1))
	h.Add(ctx, event(ended, models.EventDeleted, 2))
	assert.Equal(t, 2, h.Tracked())

	mc.Add(6 * time.Minute)
	h.Add(ctx, event(active, models.EventPlayerJoined, 2))
	assert.Empty(t, h.CheckInactivity(ctx))

	mc.Add(5 * time.Minute)
	marked := h.CheckInactivity(ctx)
	assert.Equal(t, []uuid.UUID{idle}, marked)
	assert.Equal(t, 1, h.Tracked())

	// pending events were flushed before marking
	assert.Equal(t, 5, sink.written())
	sink.mu.Lock()
	assert.Equal(t, []uuid.UUID{idle}, sink.abandoned)
	sink.mu.Unlock()
}
