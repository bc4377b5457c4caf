// internal/lobby/lobby_store_test.go
package lobby

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects store events instead of publishing them.
type eventRecorder struct {
	mu     sync.Mutex
	events []models.LobbyEvent
}

func (r *eventRecorder) record(ev models.LobbyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []models.LobbyEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.LobbyEventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) last() models.LobbyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// setupTestStore returns a store on a mock clock with an event recorder attached.
func setupTestStore(t *testing.T) (*Store, *clock.Mock, *eventRecorder) {
	t.Helper()
	mc := clock.NewMock()
	mc.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s := NewStore(WithClock(mc), WithLogger(quietLogger()))
	rec := &eventRecorder{}
	s.OnEvent(rec.record)
	return s, mc, rec
}

func player(id string) models.Player {
	return models.Player{ID: id}
}

func createLobby(t *testing.T, s *Store, host string, maxPlayers int) *models.Lobby {
	t.Helper()
	l, err := s.Create(CreateSpec{Name: "MyLobby", MaxPlayers: maxPlayers, Creator: player(host)})
	require.NoError(t, err)
	return l
}

func TestCreateLobby(t *testing.T) {
	s, mc, rec := setupTestStore(t)

	l, err := s.Create(CreateSpec{
		Name:       "  MyLobby ",
		MaxPlayers: 4,
		Creator: models.Player{ID: "alice", Attributes: models.Attributes{
			"color": {Value: "red"},
		}},
		Attributes: models.Attributes{"Map": {Value: "Dust", Visibility: models.VisibilityMember}},
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, l.ID)
	assert.Len(t, l.Code, CodeLength)
	assert.Equal(t, "MyLobby", l.Name)
	assert.Equal(t, "alice", l.HostID)
	require.Len(t, l.Players, 1)
	assert.Equal(t, "alice", l.Players[0].ID)
	assert.Equal(t, mc.Now(), l.Players[0].JoinedAt)
	assert.Equal(t, models.VisibilityPublic, l.Players[0].Attributes["color"].Visibility)
	assert.Equal(t, models.VisibilityMember, l.Attributes["Map"].Visibility)
	assert.Equal(t, 3, l.AvailableSlots())
	assert.Equal(t, int64(1), l.Version)
	assert.Equal(t, mc.Now(), l.LastHeartbeatAt)

	assert.Equal(t, []models.LobbyEventType{models.EventCreated}, rec.types())
	assert.Equal(t, 1, s.Len())

	byCode, err := s.GetByCode(" " + l.Code + " ")
	require.NoError(t, err)
	assert.Equal(t, l.ID, byCode.ID)
}

func TestCreateLobbyValidation(t *testing.T) {
	s, _, _ := setupTestStore(t)

	_, err := s.Create(CreateSpec{Name: "x", MaxPlayers: 0, Creator: player("a")})
	assert.ErrorIs(t, err, ErrCapacity)

	_, err = s.Create(CreateSpec{Name: "x", MaxPlayers: MaxLobbyCapacity + 1, Creator: player("a")})
	assert.ErrorIs(t, err, ErrCapacity)

	_, err = s.Create(CreateSpec{Name: "x", MaxPlayers: 2, Creator: player("")})
	assert.ErrorIs(t, err, ErrInvalidPlayer)

	_, err = s.Create(CreateSpec{Name: "   ", MaxPlayers: 2, Creator: player("a")})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.Create(CreateSpec{Name: "x", MaxPlayers: 2, Creator: player("a"),
		Attributes: models.Attributes{"k": {Value: "v", Visibility: "secret"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Equal(t, 0, s.Len())
}

func TestSnapshotIsolation(t *testing.T) {
	s, _, _ := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)

	l.Players[0].ID = "mallory"
	l.HostID = "mallory"

	got, err := s.Get(l.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.HostID)
	assert.Equal(t, "alice", got.Players[0].ID)
}

func TestGetUnknown(t *testing.T) {
	s, _, _ := setupTestStore(t)
	_, err := s.Get(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByCode("ZZZZZZ")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestAddMemberCapacity(t *testing.T) {
	s, _, rec := setupTestStore(t)
	l := createLobby(t, s, "p0", 3)

	for _, id := range []string{"p1", "p2"} {
		got, err := s.AddMember(l.ID, player(id))
		require.NoError(t, err)
		assert.LessOrEqual(t, len(got.Players), got.MaxPlayers)
	}

	_, err := s.AddMember(l.ID, player("p3"))
	assert.ErrorIs(t, err, ErrFull)

	got, err := s.Get(l.ID)
	require.NoError(t, err)
	assert.Len(t, got.Players, 3)
	assert.Equal(t, models.LobbyFull, got.State())
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, []models.LobbyEventType{
		models.EventCreated, models.EventPlayerJoined, models.EventPlayerJoined,
	}, rec.types())
}

func TestAddMemberDuplicate(t *testing.T) {
	s, _, _ := setupTestStore(t)
	l := createLobby(t, s, "alice", 2)

	_, err := s.AddMember(l.ID, player("bob"))
	require.NoError(t, err)

	// a full lobby still reports the duplicate, not the capacity
	_, err = s.AddMember(l.ID, player("bob"))
	assert.ErrorIs(t, err, ErrDuplicateMember)
	_, err = s.AddMember(l.ID, player("alice"))
	assert.ErrorIs(t, err, ErrDuplicateMember)

	got, err := s.Get(l.ID)
	require.NoError(t, err)
	assert.Len(t, got.Players, 2)
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	s, _, _ := setupTestStore(t)
	const maxPlayers = 5
	l := createLobby(t, s, "host", maxPlayers)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		full      atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AddMember(l.ID, player(uuid.NewString()))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrFull):
				full.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(maxPlayers-1), succeeded.Load())
	assert.Equal(t, int32(50-(maxPlayers-1)), full.Load())

	got, err := s.Get(l.ID)
	require.NoError(t, err)
	assert.Len(t, got.Players, maxPlayers)
	seen := map[string]bool{}
	for _, p := range got.Players {
		assert.False(t, seen[p.ID], "duplicate member %s", p.ID)
		seen[p.ID] = true
	}
}

func TestConcurrentDuplicateJoin(t *testing.T) {
	s, _, _ := setupTestStore(t)
	l := createLobby(t, s, "host", 10)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AddMember(l.ID, player("same")); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestRemoveHostLeavesDanglingHost(t *testing.T) {
	s, _, rec := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)
	_, err := s.AddMember(l.ID, player("bob"))
	require.NoError(t, err)
	_, err = s.AddMember(l.ID, player("carol"))
	require.NoError(t, err)

	got, err := s.RemoveMember(l.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.HostID)
	assert.False(t, got.HostPresent())
	assert.Equal(t, models.EventPlayerLeft, rec.last().Type)

	// the lobby is still discoverable while other members remain
	entries, err := NewDirectory(s).Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].HostID)

	// the departed host can no longer heartbeat
	assert.ErrorIs(t, s.TouchHeartbeat(l.ID, "alice"), ErrNotHost)

	// a remaining member claims host authority
	got, err = s.Update(l.ID, "bob", nil, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.HostID)
	assert.Equal(t, models.EventHostChanged, rec.last().Type)
	assert.NoError(t, s.TouchHeartbeat(l.ID, "bob"))
}

func TestRemoveHostPromoteOldest(t *testing.T) {
	s, _, rec := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)
	_, err := s.AddMember(l.ID, player("bob"))
	require.NoError(t, err)
	_, err = s.AddMember(l.ID, player("carol"))
	require.NoError(t, err)

	got, err := s.RemoveMember(l.ID, "alice", PromoteOldest(), Actor("alice"))
	require.NoError(t, err)
	assert.Equal(t, "bob", got.HostID)

	tail := rec.types()[len(rec.types())-2:]
	assert.Equal(t, []models.LobbyEventType{models.EventPlayerLeft, models.EventHostChanged}, tail)
	// both events belong to the same committed version
	assert.Equal(t, got.Version, rec.last().Version)
}

func TestRemoveMemberAuthorization(t *testing.T) {
	s, _, _ := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)
	_, err := s.AddMember(l.ID, player("bob"))
	require.NoError(t, err)
	_, err = s.AddMember(l.ID, player("carol"))
	require.NoError(t, err)

	_, err = s.RemoveMember(l.ID, "carol", Require(RequireSelfOrHost("bob", "carol")))
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = s.RemoveMember(l.ID, "carol", Require(RequireSelfOrHost("alice", "carol")))
	assert.NoError(t, err)

	_, err = s.RemoveMember(l.ID, "bob", Require(RequireSelfOrHost("bob", "bob")))
	assert.NoError(t, err)

	_, err = s.RemoveMember(l.ID, "bob")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestUpdateNewHostMustBeMember(t *testing.T) {
	s, _, _ := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)

	_, err := s.Update(l.ID, "alice", models.AttributePatch{"GameMode": {Value: "Deathmatch"}}, "ghost")
	assert.ErrorIs(t, err, ErrMemberNotFound)

	got, err := s.Get(l.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.HostID)
	// the patch is not applied when the host transfer fails
	assert.NotContains(t, got.Attributes, "GameMode")
	assert.Equal(t, l.Version, got.Version)
}

func TestUpdateRequiresHost(t *testing.T) {
	s, _, _ := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)
	_, err := s.AddMember(l.ID, player("bob"))
	require.NoError(t, err)

	_, err = s.UpdateMetadata(l.ID, "bob", models.AttributePatch{"Map": {Value: "Nuke"}})
	assert.ErrorIs(t, err, ErrNotHost)
	_, err = s.Update(l.ID, "bob", nil, "bob")
	assert.ErrorIs(t, err, ErrNotHost)
}

func TestUpdateMergesAttributes(t *testing.T) {
	s, mc, rec := setupTestStore(t)
	l, err := s.Create(CreateSpec{
		Name:       "MyLobby",
		MaxPlayers: 4,
		Creator:    player("alice"),
		Attributes: models.Attributes{
			"Map":      {Value: "Dust"},
			"GameMode": {Value: "Capture", Visibility: models.VisibilityMember},
		},
	})
	require.NoError(t, err)

	mc.Add(time.Second)
	got, err := s.UpdateMetadata(l.ID, "alice", models.AttributePatch{"GameMode": {Value: "Deathmatch"}})
	require.NoError(t, err)

	assert.Equal(t, "Deathmatch", got.Attributes["GameMode"].Value)
	assert.Equal(t, models.VisibilityMember, got.Attributes["GameMode"].Visibility)
	assert.Equal(t, "Dust", got.Attributes["Map"].Value)
	assert.Equal(t, l.Version+1, got.Version)
	assert.Equal(t, mc.Now(), got.LastUpdatedAt)
	assert.Equal(t, []string{"GameMode"}, rec.last().Payload["keys"])

	got, err = s.UpdateMetadata(l.ID, "alice", models.AttributePatch{"Map": {Delete: true}})
	require.NoError(t, err)
	assert.NotContains(t, got.Attributes, "Map")

	_, err = s.UpdateMetadata(l.ID, "alice", models.AttributePatch{"x": {Value: "1", Visibility: "nope"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUpdatePlayer(t *testing.T) {
	s, _, _ := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)
	_, err := s.AddMember(l.ID, models.Player{ID: "bob", Attributes: models.Attributes{"team": {Value: "red"}}})
	require.NoError(t, err)

	got, err := s.UpdatePlayer(l.ID, "bob", models.AttributePatch{"ready": {Value: "true"}})
	require.NoError(t, err)
	bob := got.Players[got.PlayerIndex("bob")]
	assert.Equal(t, "true", bob.Attributes["ready"].Value)
	assert.Equal(t, "red", bob.Attributes["team"].Value)

	_, err = s.UpdatePlayer(l.ID, "ghost", models.AttributePatch{"ready": {Value: "true"}})
	assert.ErrorIs(t, err, ErrMemberNotFound)

	// an empty patch is not a mutation
	again, err := s.UpdatePlayer(l.ID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
}

func TestSetHost(t *testing.T) {
	s, _, _ := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)
	_, err := s.AddMember(l.ID, player("bob"))
	require.NoError(t, err)

	_, err = s.SetHost(l.ID, "ghost")
	assert.ErrorIs(t, err, ErrMemberNotFound)

	got, err := s.SetHost(l.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.HostID)

	same, err := s.SetHost(l.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, got.Version, same.Version)
}

func TestHeartbeat(t *testing.T) {
	s, mc, rec := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)
	_, err := s.AddMember(l.ID, player("bob"))
	require.NoError(t, err)

	mc.Add(10 * time.Second)
	require.NoError(t, s.TouchHeartbeat(l.ID, "alice"))
	assert.Equal(t, models.EventHeartbeat, rec.last().Type)

	got, err := s.Get(l.ID)
	require.NoError(t, err)
	assert.Equal(t, mc.Now(), got.LastHeartbeatAt)
	assert.Equal(t, int64(2), got.Version, "heartbeats do not bump the version")

	assert.ErrorIs(t, s.TouchHeartbeat(l.ID, "bob"), ErrNotHost)
	assert.ErrorIs(t, s.TouchHeartbeat(uuid.New(), "alice"), ErrNotFound)
}

func TestDelete(t *testing.T) {
	s, _, rec := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)
	_, err := s.AddMember(l.ID, player("bob"))
	require.NoError(t, err)

	err = s.Delete(l.ID, Require(RequireHost("bob")), Actor("bob"))
	assert.ErrorIs(t, err, ErrNotHost)

	require.NoError(t, s.Delete(l.ID, Require(RequireHost("alice")), Actor("alice")))
	assert.Equal(t, models.EventDeleted, rec.last().Type)
	assert.Equal(t, "alice", rec.last().ActorID)

	_, err = s.Get(l.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByCode(l.Code)
	assert.ErrorIs(t, err, ErrInvalidCode)
	_, err = s.AddMember(l.ID, player("carol"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(l.ID), ErrNotFound)
}

func TestDeleteWithDanglingHost(t *testing.T) {
	s, _, _ := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)
	_, err := s.AddMember(l.ID, player("bob"))
	require.NoError(t, err)
	_, err = s.RemoveMember(l.ID, "alice")
	require.NoError(t, err)

	assert.NoError(t, s.Delete(l.ID, Require(RequireHost("bob"))))
}

func TestExpireStale(t *testing.T) {
	s, mc, rec := setupTestStore(t)
	stale := createLobby(t, s, "alice", 4)
	fresh := createLobby(t, s, "bob", 4)

	mc.Add(20 * time.Second)
	require.NoError(t, s.TouchHeartbeat(fresh.ID, "bob"))

	mc.Add(11 * time.Second)
	expired := s.ExpireStale(30 * time.Second)
	assert.Equal(t, []uuid.UUID{stale.ID}, expired)
	assert.Equal(t, models.EventExpired, rec.last().Type)
	assert.Equal(t, stale.ID, rec.last().LobbyID)

	_, err := s.Get(stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(fresh.ID)
	assert.NoError(t, err)

	// exactly at the threshold the lobby survives
	mc.Add(19 * time.Second)
	assert.Empty(t, s.ExpireStale(30*time.Second))
	mc.Add(time.Millisecond)
	assert.Equal(t, []uuid.UUID{fresh.ID}, s.ExpireStale(30*time.Second))
	assert.Equal(t, 0, s.Len())
}

func TestEventsCarryVersion(t *testing.T) {
	s, _, rec := setupTestStore(t)
	l := createLobby(t, s, "alice", 4)
	_, err := s.AddMember(l.ID, player("bob"))
	require.NoError(t, err)
	_, err = s.UpdatePlayer(l.ID, "bob", models.AttributePatch{"ready": {Value: "1"}})
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, ev := range rec.events {
		assert.Equal(t, int64(i+1), ev.Version)
		assert.Equal(t, l.ID, ev.LobbyID)
	}
	assert.Equal(t, "bob", rec.events[2].ActorID)
}

func TestConcurrentMutationsEmitInVersionOrder(t *testing.T) {
	s, _, rec := setupTestStore(t)
	l := createLobby(t, s, "host", MaxLobbyCapacity)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := uuid.NewString()
			if _, err := s.AddMember(l.ID, player(id)); err != nil {
				return
			}
			_, _ = s.UpdatePlayer(l.ID, id, models.AttributePatch{"n": {Value: "x"}})
			_ = s.TouchHeartbeat(l.ID, "host")
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Delete(l.ID))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.events)
	var prev int64
	for _, ev := range rec.events {
		// heartbeats and the terminal event repeat the current version
		if ev.Type == models.EventHeartbeat || ev.Type.Terminal() {
			assert.Equal(t, prev, ev.Version)
			continue
		}
		assert.Equal(t, prev+1, ev.Version, "event %s out of order", ev.Type)
		prev = ev.Version
	}
	assert.Equal(t, models.EventDeleted, rec.events[len(rec.events)-1].Type)
}
