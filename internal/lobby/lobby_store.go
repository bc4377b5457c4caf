// internal/lobby/lobby_store.go
package lobby

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/sirupsen/logrus"
)

// MaxLobbyCapacity is the largest MaxPlayers a lobby may be created with.
const MaxLobbyCapacity = 100

// maxCodeAttempts bounds the retries when a generated code collides with a live lobby.
const maxCodeAttempts = 16

// record is the store's slot for one lobby. mu serializes every
// read-modify-write on that lobby; deleted is set under mu before the record
// leaves the index so late lookups fail with ErrNotFound.
type record struct {
	mu      sync.Mutex
	lobby   *models.Lobby
	deleted bool
}

// CreateSpec describes a lobby to be created.
type CreateSpec struct {
	Name       string
	MaxPlayers int
	IsPrivate  bool
	Creator    models.Player
	Attributes models.Attributes
}

// Precondition is evaluated against the lobby while its lock is held,
// before a mutation is applied.
type Precondition func(l *models.Lobby) error

// RequireHost fails with ErrNotHost unless callerID may administer the lobby.
func RequireHost(callerID string) Precondition {
	return func(l *models.Lobby) error {
		if !canAdminister(l, callerID) {
			return ErrNotHost
		}
		return nil
	}
}

// RequireSelfOrHost allows a player to remove themself, or the host to remove anyone.
func RequireSelfOrHost(callerID, targetID string) Precondition {
	return func(l *models.Lobby) error {
		if callerID == targetID || l.IsHost(callerID) {
			return nil
		}
		return ErrNotAuthorized
	}
}

type mutation struct {
	checks      []Precondition
	actor       string
	promoteHost bool
}

// MutationOption customizes RemoveMember and Delete.
type MutationOption func(*mutation)

// Require adds a precondition checked under the lobby lock.
func Require(p Precondition) MutationOption {
	return func(m *mutation) { m.checks = append(m.checks, p) }
}

// Actor records who triggered the mutation on the emitted event.
func Actor(id string) MutationOption {
	return func(m *mutation) { m.actor = id }
}

// PromoteOldest makes RemoveMember hand host authority to the earliest
// remaining member when the removed player was host.
func PromoteOldest() MutationOption {
	return func(m *mutation) { m.promoteHost = true }
}

// Store holds the canonical LobbyRecords in memory.
// The index maps are guarded by mu; each record has its own lock. Lock order
// is always record before index, never the reverse.
type Store struct {
	mu      sync.RWMutex
	lobbies map[uuid.UUID]*record
	codes   map[string]uuid.UUID

	clock  clock.Clock
	logger logrus.FieldLogger

	hmu      sync.RWMutex
	handlers []func(models.LobbyEvent)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the time source used for timestamps and expiry.
func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the store logger.
func WithLogger(l logrus.FieldLogger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore initializes and returns an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		lobbies: make(map[uuid.UUID]*record),
		codes:   make(map[string]uuid.UUID),
		clock:   clock.New(),
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnEvent registers fn to receive every event after the mutation that caused
// it has been committed. Handlers run with the lobby's lock held, so events of
// one lobby arrive in Version order; a handler must not call back into the
// store other than Len.
func (s *Store) OnEvent(fn func(models.LobbyEvent)) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers = append(s.handlers, fn)
}

func (s *Store) emit(events ...models.LobbyEvent) {
	s.hmu.RLock()
	handlers := slices.Clone(s.handlers)
	s.hmu.RUnlock()
	for _, ev := range events {
		for _, fn := range handlers {
			fn(ev)
		}
	}
}

// Create allocates a fresh id and code and stores a lobby whose only member
// and host is the creator.
func (s *Store) Create(spec CreateSpec) (*models.Lobby, error) {
	if spec.MaxPlayers < 1 || spec.MaxPlayers > MaxLobbyCapacity {
		return nil, fmt.Errorf("%w: %d (allowed 1..%d)", ErrCapacity, spec.MaxPlayers, MaxLobbyCapacity)
	}
	if spec.Creator.ID == "" || !validAttributes(spec.Creator.Attributes) {
		return nil, ErrInvalidPlayer
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" || !validAttributes(spec.Attributes) {
		return nil, ErrInvalidRequest
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lobby id: %w", err)
	}

	now := s.clock.Now()
	creator := spec.Creator.Clone()
	creator.Attributes = normalizeAttributes(creator.Attributes)
	creator.JoinedAt = now
	l := &models.Lobby{
		ID:              id,
		Name:            name,
		MaxPlayers:      spec.MaxPlayers,
		IsPrivate:       spec.IsPrivate,
		HostID:          creator.ID,
		Players:         []models.Player{creator},
		Attributes:      normalizeAttributes(spec.Attributes),
		CreatedAt:       now,
		LastHeartbeatAt: now,
		LastUpdatedAt:   now,
		Version:         1,
	}

	rec := &record{lobby: l}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	s.mu.Lock()
	code, err := s.uniqueCodeLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	l.Code = code
	s.lobbies[id] = rec
	s.codes[code] = id
	snap := l.Clone()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"lobby":   id,
		"code":    code,
		"host":    creator.ID,
		"private": spec.IsPrivate,
	}).Info("lobby created")

	s.emit(models.LobbyEvent{
		LobbyID:   id,
		Type:      models.EventCreated,
		ActorID:   creator.ID,
		PlayerID:  creator.ID,
		Version:   snap.Version,
		Payload:   map[string]interface{}{"name": name, "maxPlayers": spec.MaxPlayers, "isPrivate": spec.IsPrivate},
		Timestamp: now.UnixMilli(),
	})
	return snap, nil
}

func (s *Store) uniqueCodeLocked() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := s.codes[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to allocate a unique lobby code after %d attempts", maxCodeAttempts)
}

func (s *Store) lookup(id uuid.UUID) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.lobbies[id]
	return rec, ok
}

// records returns the current record pointers without holding any record lock.
func (s *Store) records() []*record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*record, 0, len(s.lobbies))
	for _, rec := range s.lobbies {
		out = append(out, rec)
	}
	return out
}

// Get returns a snapshot copy of the lobby.
func (s *Store) Get(id uuid.UUID) (*models.Lobby, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, ErrNotFound
	}
	return rec.lobby.Clone(), nil
}

// GetByCode resolves a join code to a snapshot of its lobby.
func (s *Store) GetByCode(code string) (*models.Lobby, error) {
	s.mu.RLock()
	id, ok := s.codes[NormalizeCode(code)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCode
	}
	l, err := s.Get(id)
	if err != nil {
		return nil, ErrInvalidCode
	}
	return l, nil
}

// Snapshot returns copies of every live lobby, in no particular order.
func (s *Store) Snapshot() []*models.Lobby {
	recs := s.records()
	out := make([]*models.Lobby, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.deleted {
			out = append(out, rec.lobby.Clone())
		}
		rec.mu.Unlock()
	}
	return out
}

// Len returns the number of live lobbies.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lobbies)
}

// mutate runs fn under the lobby lock. fn must validate before changing
// anything so an error leaves the record untouched. The version is bumped
// only when fn reports at least one event.
func (s *Store) mutate(id uuid.UUID, m mutation, fn func(l *models.Lobby, now time.Time) ([]models.LobbyEvent, error)) (*models.Lobby, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	rec.mu.Lock()
	if rec.deleted {
		rec.mu.Unlock()
		return nil, ErrNotFound
	}
	for _, check := range m.checks {
		if err := check(rec.lobby); err != nil {
			rec.mu.Unlock()
			return nil, err
		}
	}

	now := s.clock.Now()
	events, err := fn(rec.lobby, now)
	if err != nil {
		rec.mu.Unlock()
		return nil, err
	}
	if len(events) > 0 {
		rec.lobby.Version++
		rec.lobby.LastUpdatedAt = now
	}
	for i := range events {
		events[i].LobbyID = id
		events[i].Version = rec.lobby.Version
		events[i].Timestamp = now.UnixMilli()
		if events[i].ActorID == "" {
			events[i].ActorID = m.actor
		}
	}
	snap := rec.lobby.Clone()
	s.emit(events...)
	rec.mu.Unlock()
	return snap, nil
}

// AddMember appends player to the lobby. A player already present is
// rejected rather than treated as a no-op.
func (s *Store) AddMember(lobbyID uuid.UUID, player models.Player) (*models.Lobby, error) {
	if player.ID == "" || !validAttributes(player.Attributes) {
		return nil, ErrInvalidPlayer
	}
	return s.mutate(lobbyID, mutation{actor: player.ID}, func(l *models.Lobby, now time.Time) ([]models.LobbyEvent, error) {
		if l.HasPlayer(player.ID) {
			return nil, ErrDuplicateMember
		}
		if l.IsFull() {
			return nil, ErrFull
		}
		p := player.Clone()
		p.Attributes = normalizeAttributes(p.Attributes)
		p.JoinedAt = now
		l.Players = append(l.Players, p)

		s.logger.WithFields(logrus.Fields{"lobby": lobbyID, "player": player.ID}).Debug("player joined")
		return []models.LobbyEvent{{Type: models.EventPlayerJoined, PlayerID: player.ID}}, nil
	})
}

// RemoveMember removes playerID from the lobby. When the host is removed the
// host id is left dangling unless PromoteOldest is passed.
func (s *Store) RemoveMember(lobbyID uuid.UUID, playerID string, opts ...MutationOption) (*models.Lobby, error) {
	m := buildMutation(opts)
	return s.mutate(lobbyID, m, func(l *models.Lobby, now time.Time) ([]models.LobbyEvent, error) {
		idx := l.PlayerIndex(playerID)
		if idx < 0 {
			return nil, ErrMemberNotFound
		}
		l.Players = slices.Delete(l.Players, idx, idx+1)
		events := []models.LobbyEvent{{Type: models.EventPlayerLeft, PlayerID: playerID}}

		if l.HostID == playerID && m.promoteHost && len(l.Players) > 0 {
			l.HostID = l.Players[0].ID
			events = append(events, models.LobbyEvent{
				Type:     models.EventHostChanged,
				PlayerID: l.HostID,
				Payload:  map[string]interface{}{"previous": playerID, "reason": "promoted"},
			})
		}

		s.logger.WithFields(logrus.Fields{
			"lobby":  lobbyID,
			"player": playerID,
			"host":   l.HostID,
		}).Debug("player removed")
		return events, nil
	})
}

// canAdminister reports whether callerID may change lobby-level state. The
// host may; when the host has left without migrating, any remaining member
// may claim authority so the lobby is not stuck.
func canAdminister(l *models.Lobby, callerID string) bool {
	if l.IsHost(callerID) {
		return true
	}
	return !l.HostPresent() && l.HasPlayer(callerID)
}

// UpdateMetadata merges patch into the lobby attributes. Only the host may call it.
func (s *Store) UpdateMetadata(lobbyID uuid.UUID, callerID string, patch models.AttributePatch) (*models.Lobby, error) {
	return s.Update(lobbyID, callerID, patch, "")
}

// Update applies an attribute patch and an optional host transfer as one
// atomic change. Authorization uses the host as it was before the call.
func (s *Store) Update(lobbyID uuid.UUID, callerID string, patch models.AttributePatch, newHostID string) (*models.Lobby, error) {
	if !patch.Validate() {
		return nil, ErrInvalidRequest
	}
	return s.mutate(lobbyID, mutation{actor: callerID}, func(l *models.Lobby, now time.Time) ([]models.LobbyEvent, error) {
		if !canAdminister(l, callerID) {
			return nil, ErrNotHost
		}
		if newHostID != "" && !l.HasPlayer(newHostID) {
			return nil, ErrMemberNotFound
		}

		var events []models.LobbyEvent
		if len(patch) > 0 {
			l.Attributes = l.Attributes.Apply(patch)
			events = append(events, models.LobbyEvent{
				Type:    models.EventLobbyUpdated,
				Payload: map[string]interface{}{"keys": patchKeys(patch)},
			})
		}
		if newHostID != "" && newHostID != l.HostID {
			prev := l.HostID
			l.HostID = newHostID
			events = append(events, models.LobbyEvent{
				Type:     models.EventHostChanged,
				PlayerID: newHostID,
				Payload:  map[string]interface{}{"previous": prev, "reason": "migrated"},
			})
		}
		return events, nil
	})
}

// UpdatePlayer merges patch into the attributes of member playerID.
func (s *Store) UpdatePlayer(lobbyID uuid.UUID, playerID string, patch models.AttributePatch) (*models.Lobby, error) {
	if !patch.Validate() {
		return nil, ErrInvalidRequest
	}
	return s.mutate(lobbyID, mutation{actor: playerID}, func(l *models.Lobby, now time.Time) ([]models.LobbyEvent, error) {
		idx := l.PlayerIndex(playerID)
		if idx < 0 {
			return nil, ErrMemberNotFound
		}
		if len(patch) == 0 {
			return nil, nil
		}
		l.Players[idx].Attributes = l.Players[idx].Attributes.Apply(patch)
		return []models.LobbyEvent{{
			Type:     models.EventPlayerUpdated,
			PlayerID: playerID,
			Payload:  map[string]interface{}{"keys": patchKeys(patch)},
		}}, nil
	})
}

// SetHost transfers host authority to newHostID, who must be a member.
func (s *Store) SetHost(lobbyID uuid.UUID, newHostID string) (*models.Lobby, error) {
	return s.mutate(lobbyID, mutation{}, func(l *models.Lobby, now time.Time) ([]models.LobbyEvent, error) {
		if !l.HasPlayer(newHostID) {
			return nil, ErrMemberNotFound
		}
		if l.HostID == newHostID {
			return nil, nil
		}
		prev := l.HostID
		l.HostID = newHostID
		return []models.LobbyEvent{{
			Type:     models.EventHostChanged,
			PlayerID: newHostID,
			Payload:  map[string]interface{}{"previous": prev, "reason": "migrated"},
		}}, nil
	})
}

// TouchHeartbeat refreshes LastHeartbeatAt. Only the present host may call it.
// Heartbeats do not bump the version.
func (s *Store) TouchHeartbeat(lobbyID uuid.UUID, callerID string) error {
	rec, ok := s.lookup(lobbyID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	if rec.deleted {
		rec.mu.Unlock()
		return ErrNotFound
	}
	if !rec.lobby.IsHost(callerID) || !rec.lobby.HostPresent() {
		rec.mu.Unlock()
		return ErrNotHost
	}
	now := s.clock.Now()
	rec.lobby.LastHeartbeatAt = now
	s.emit(models.LobbyEvent{
		LobbyID:   lobbyID,
		Type:      models.EventHeartbeat,
		ActorID:   callerID,
		Version:   rec.lobby.Version,
		Timestamp: now.UnixMilli(),
	})
	rec.mu.Unlock()
	return nil
}

// Delete removes the lobby unconditionally unless a precondition option says otherwise.
func (s *Store) Delete(lobbyID uuid.UUID, opts ...MutationOption) error {
	m := buildMutation(opts)
	rec, ok := s.lookup(lobbyID)
	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	if rec.deleted {
		rec.mu.Unlock()
		return ErrNotFound
	}
	for _, check := range m.checks {
		if err := check(rec.lobby); err != nil {
			rec.mu.Unlock()
			return err
		}
	}
	s.emit(s.dropLocked(rec, models.EventDeleted, m.actor))
	rec.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"lobby": lobbyID, "actor": m.actor}).Info("lobby deleted")
	return nil
}

// ExpireStale deletes every lobby whose last heartbeat is older than
// threshold and returns their ids. The age is re-checked under each lobby's
// lock so a heartbeat that wins the race keeps the lobby alive.
func (s *Store) ExpireStale(threshold time.Duration) []uuid.UUID {
	var expired []uuid.UUID
	for _, rec := range s.records() {
		rec.mu.Lock()
		if rec.deleted || s.clock.Now().Sub(rec.lobby.LastHeartbeatAt) <= threshold {
			rec.mu.Unlock()
			continue
		}
		s.emit(s.dropLocked(rec, models.EventExpired, ""))
		expired = append(expired, rec.lobby.ID)
		rec.mu.Unlock()
	}
	for _, id := range expired {
		s.logger.WithField("lobby", id).Info("lobby expired")
	}
	return expired
}

// dropLocked marks rec deleted and removes it from the index. Caller holds rec.mu.
func (s *Store) dropLocked(rec *record, typ models.LobbyEventType, actor string) models.LobbyEvent {
	rec.deleted = true
	l := rec.lobby

	s.mu.Lock()
	delete(s.lobbies, l.ID)
	if s.codes[l.Code] == l.ID {
		delete(s.codes, l.Code)
	}
	s.mu.Unlock()

	return models.LobbyEvent{
		LobbyID:   l.ID,
		Type:      typ,
		ActorID:   actor,
		Version:   l.Version,
		Payload:   map[string]interface{}{"players": len(l.Players), "lifetimeMs": s.clock.Since(l.CreatedAt).Milliseconds()},
		Timestamp: s.clock.Now().UnixMilli(),
	}
}

func buildMutation(opts []MutationOption) mutation {
	var m mutation
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func patchKeys(p models.AttributePatch) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func validAttributes(a models.Attributes) bool {
	for k, v := range a {
		if k == "" || (v.Visibility != "" && !v.Visibility.Valid()) {
			return false
		}
	}
	return true
}

// normalizeAttributes copies a, defaulting an empty visibility to public.
func normalizeAttributes(a models.Attributes) models.Attributes {
	out := a.Clone()
	for k, v := range out {
		if v.Visibility == "" {
			v.Visibility = models.VisibilityPublic
			out[k] = v
		}
	}
	return out
}
