// internal/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/sirupsen/logrus"
)

// Coordinator is the lobby API a session drives. *service.Service implements
// it in process and *client.Client over HTTP.
type Coordinator interface {
	CreateLobby(ctx context.Context, name string, maxPlayers int, isPrivate bool, creator models.Player, attrs models.Attributes) (*models.Lobby, error)
	GetLobby(ctx context.Context, lobbyID, callerID string) (*models.Lobby, error)
	JoinLobbyByID(ctx context.Context, lobbyID string, player models.Player) (*models.Lobby, error)
	JoinLobbyByCode(ctx context.Context, code string, player models.Player) (*models.Lobby, error)
	QuickJoinLobby(ctx context.Context, player models.Player, filters []lobby.Filter) (*models.Lobby, error)
	UpdateLobby(ctx context.Context, lobbyID, callerID string, patch models.AttributePatch, newHostID string) (*models.Lobby, error)
	UpdatePlayer(ctx context.Context, lobbyID, callerID, playerID string, patch models.AttributePatch) (*models.Lobby, error)
	RemovePlayer(ctx context.Context, lobbyID, callerID, targetID string) error
	SendHeartbeat(ctx context.Context, lobbyID, callerID string) error
	DeleteLobby(ctx context.Context, lobbyID, callerID string) error
}

// Role of the local player in its current lobby.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleMember
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleMember:
		return "member"
	}
	return "none"
}

// Defaults. The heartbeat interval must stay below the server's expiry threshold.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultPollInterval      = 1100 * time.Millisecond
	DefaultCallTimeout       = 5 * time.Second
)

var (
	// ErrNoLobby is returned by operations that need a current lobby.
	ErrNoLobby = errors.New("session is not in a lobby")
	// ErrInLobby is returned when creating or joining while already in a lobby.
	ErrInLobby = errors.New("session is already in a lobby")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// ChangeFunc observes snapshot replacements. prev or next may be nil.
type ChangeFunc func(prev, next *models.Lobby)

type options struct {
	heartbeatInterval time.Duration
	pollInterval      time.Duration
	callTimeout       time.Duration
	clock             clock.Clock
	logger            logrus.FieldLogger
}

// Option configures a Session.
type Option func(*options)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) { o.heartbeatInterval = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithClock sets the tick source of both background tasks.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// Session tracks one player's membership of at most one lobby. While the
// player hosts, a heartbeat task keeps the lobby alive; while it is in a
// lobby, a poll task refreshes the snapshot and recomputes the role. Both
// tasks run on their own goroutine so a slow call in one never delays the
// other.
type Session struct {
	api    Coordinator
	player models.Player
	opts   options
	logger logrus.FieldLogger

	mu        sync.Mutex
	role      Role
	snap      *models.Lobby
	gen       uint64 // bumped on every local membership change
	observers []ChangeFunc
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a session for player. Call Close to stop its background tasks.
func New(api Coordinator, player models.Player, opts ...Option) *Session {
	o := options{
		heartbeatInterval: DefaultHeartbeatInterval,
		pollInterval:      DefaultPollInterval,
		callTimeout:       DefaultCallTimeout,
		clock:             clock.New(),
		logger:            logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		api:    api,
		player: player.Clone(),
		opts:   o,
		logger: o.logger.WithField("player", player.ID),
		cancel: cancel,
	}

	// tickers exist before New returns so no tick is missed
	hb := o.clock.Ticker(o.heartbeatInterval)
	poll := o.clock.Ticker(o.pollInterval)
	s.wg.Add(2)
	go s.run(ctx, hb, s.heartbeat)
	go s.run(ctx, poll, s.poll)
	return s
}

func (s *Session) run(ctx context.Context, t *clock.Ticker, tick func(context.Context)) {
	defer s.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick(ctx)
		}
	}
}

// Player returns the local player.
func (s *Session) Player() models.Player { return s.player.Clone() }

// Role returns the current role.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Snapshot returns a copy of the last known lobby record, or nil.
func (s *Session) Snapshot() *models.Lobby {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil
	}
	return s.snap.Clone()
}

// LobbyID returns the current lobby id, or "" when not in a lobby.
func (s *Session) LobbyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return ""
	}
	return s.snap.ID.String()
}

// OnChange registers fn to run after every snapshot replacement that changes
// the lobby or leaves it.
func (s *Session) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Close stops both background tasks and waits for them. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// current returns the lobby id and generation, or an error when the session
// cannot act.
func (s *Session) current() (string, uint64, Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", 0, RoleNone, ErrClosed
	}
	if s.snap == nil {
		return "", 0, RoleNone, ErrNoLobby
	}
	return s.snap.ID.String(), s.gen, s.role, nil
}

func (s *Session) idle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.snap != nil {
		return ErrInLobby
	}
	return nil
}

func (s *Session) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.callTimeout)
}

// replace installs l as the snapshot (nil clears it) and recomputes the role.
// Observers run after the lock is released.
func (s *Session) replace(l *models.Lobby) {
	s.mu.Lock()
	old := s.snap
	s.gen++
	s.setLocked(l)
	observers := append([]ChangeFunc(nil), s.observers...)
	newSnap := s.snap
	s.mu.Unlock()

	notify(observers, old, newSnap)
}

// replaceIf installs l only if no local change happened since gen was read.
func (s *Session) replaceIf(gen uint64, l *models.Lobby) bool {
	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return false
	}
	old := s.snap
	s.setLocked(l)
	if l == nil || s.snap == nil {
		s.gen++
	}
	observers := append([]ChangeFunc(nil), s.observers...)
	newSnap := s.snap
	s.mu.Unlock()

	notify(observers, old, newSnap)
	return true
}

func (s *Session) setLocked(l *models.Lobby) {
	switch {
	case l == nil || !l.HasPlayer(s.player.ID):
		s.snap, s.role = nil, RoleNone
	case l.HostID == s.player.ID:
		s.snap, s.role = l.Clone(), RoleHost
	default:
		s.snap, s.role = l.Clone(), RoleMember
	}
}

func notify(observers []ChangeFunc, prev, next *models.Lobby) {
	if prev == nil && next == nil {
		return
	}
	// an unchanged poll result is not a change
	if prev != nil && next != nil && prev.ID == next.ID && prev.Version == next.Version {
		return
	}
	for _, fn := range observers {
		fn(cloneOrNil(prev), cloneOrNil(next))
	}
}

func cloneOrNil(l *models.Lobby) *models.Lobby {
	if l == nil {
		return nil
	}
	return l.Clone()
}

// enter installs the lobby a create or join produced. When another call got
// the session into a lobby first, undo backs out of the new one.
func (s *Session) enter(ctx context.Context, l *models.Lobby, err error, undo func(context.Context, string) error) (*models.Lobby, error) {
	if err != nil {
		return nil, err
	}
	if err := s.install(l); err != nil {
		if uerr := undo(ctx, l.ID.String()); uerr != nil {
			s.logger.WithError(uerr).WithField("lobby", l.ID).Warn("failed to back out of lobby")
		}
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"lobby": l.ID, "role": s.Role()}).Info("entered lobby")
	return l.Clone(), nil
}

// install is replace for an idle session only.
func (s *Session) install(l *models.Lobby) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.snap != nil:
		s.mu.Unlock()
		return ErrInLobby
	}
	s.gen++
	s.setLocked(l)
	observers := append([]ChangeFunc(nil), s.observers...)
	newSnap := s.snap
	s.mu.Unlock()

	notify(observers, nil, newSnap)
	return nil
}

func (s *Session) deleteCreated(ctx context.Context, lobbyID string) error {
	return s.api.DeleteLobby(ctx, lobbyID, s.player.ID)
}

func (s *Session) leaveJoined(ctx context.Context, lobbyID string) error {
	return s.api.RemovePlayer(ctx, lobbyID, s.player.ID, s.player.ID)
}

// Create creates a lobby hosted by the local player.
func (s *Session) Create(ctx context.Context, name string, maxPlayers int, isPrivate bool, attrs models.Attributes) (*models.Lobby, error) {
	if err := s.idle(); err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	l, err := s.api.CreateLobby(ctx, name, maxPlayers, isPrivate, s.player, attrs)
	return s.enter(ctx, l, err, s.deleteCreated)
}

// Join joins a lobby by id.
func (s *Session) Join(ctx context.Context, lobbyID string) (*models.Lobby, error) {
	if err := s.idle(); err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	l, err := s.api.JoinLobbyByID(ctx, lobbyID, s.player)
	return s.enter(ctx, l, err, s.leaveJoined)
}

// JoinByCode joins the lobby holding code.
func (s *Session) JoinByCode(ctx context.Context, code string) (*models.Lobby, error) {
	if err := s.idle(); err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	l, err := s.api.JoinLobbyByCode(ctx, code, s.player)
	return s.enter(ctx, l, err, s.leaveJoined)
}

// QuickJoin joins any public lobby with free slots matching filters.
func (s *Session) QuickJoin(ctx context.Context, filters ...lobby.Filter) (*models.Lobby, error) {
	if err := s.idle(); err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	l, err := s.api.QuickJoinLobby(ctx, s.player, filters)
	return s.enter(ctx, l, err, s.leaveJoined)
}

// UpdateLobby merges patch into the lobby attributes. Host only.
func (s *Session) UpdateLobby(ctx context.Context, patch models.AttributePatch) (*models.Lobby, error) {
	return s.update(ctx, patch, "")
}

// MigrateHost hands host authority to another member.
func (s *Session) MigrateHost(ctx context.Context, newHostID string) (*models.Lobby, error) {
	if newHostID == "" {
		return nil, lobby.WrapOp("migrate_host", s.LobbyID(), lobby.ErrMemberNotFound)
	}
	return s.update(ctx, nil, newHostID)
}

func (s *Session) update(ctx context.Context, patch models.AttributePatch, newHostID string) (*models.Lobby, error) {
	lobbyID, _, _, err := s.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	l, err := s.api.UpdateLobby(ctx, lobbyID, s.player.ID, patch, newHostID)
	if err != nil {
		return nil, err
	}
	s.replace(l)
	return l.Clone(), nil
}

// UpdatePlayer merges patch into the local player's attributes.
func (s *Session) UpdatePlayer(ctx context.Context, patch models.AttributePatch) (*models.Lobby, error) {
	lobbyID, _, _, err := s.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	l, err := s.api.UpdatePlayer(ctx, lobbyID, s.player.ID, s.player.ID, patch)
	if err != nil {
		return nil, err
	}
	s.replace(l)
	return l.Clone(), nil
}

// Leave removes the local player. A host then hands authority to the
// earliest-joined other member; the store still names the departed player as
// host until then, so the hand-off is allowed. A failed removal changes
// nothing, locally or on the server.
func (s *Session) Leave(ctx context.Context) error {
	lobbyID, _, role, err := s.current()
	if err != nil {
		return err
	}
	next := ""
	if role == RoleHost {
		next = s.successor()
	}

	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	err = s.api.RemovePlayer(callCtx, lobbyID, s.player.ID, s.player.ID)
	if err != nil && !errors.Is(err, lobby.ErrNotFound) && !errors.Is(err, lobby.ErrMemberNotFound) {
		return err
	}
	s.replace(nil)
	s.logger.WithField("lobby", lobbyID).Info("left lobby")

	if next != "" && err == nil {
		s.handOff(ctx, lobbyID, next)
	}
	return nil
}

// handOff names next as host of a lobby the local player just left. An
// automatic promotion or another member's migration may already have won.
func (s *Session) handOff(ctx context.Context, lobbyID, next string) {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.api.UpdateLobby(callCtx, lobbyID, s.player.ID, nil, next)
	switch {
	case err == nil:
		s.logger.WithFields(logrus.Fields{"lobby": lobbyID, "host": next}).Info("handed off host")
	case errors.Is(err, lobby.ErrNotHost), errors.Is(err, lobby.ErrMemberNotFound), errors.Is(err, lobby.ErrNotFound):
		s.logger.WithError(err).WithField("lobby", lobbyID).Debug("host hand-off skipped")
	default:
		s.logger.WithError(err).WithField("lobby", lobbyID).Warn("host hand-off after leave failed")
	}
}

// successor is the earliest-joined member other than the local player.
func (s *Session) successor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return ""
	}
	for _, p := range s.snap.Players {
		if p.ID != s.player.ID {
			return p.ID
		}
	}
	return ""
}

// Kick removes another member.
func (s *Session) Kick(ctx context.Context, playerID string) error {
	if playerID == s.player.ID {
		return s.Leave(ctx)
	}
	lobbyID, _, _, err := s.current()
	if err != nil {
		return err
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.api.RemovePlayer(callCtx, lobbyID, s.player.ID, playerID); err != nil {
		return err
	}

	s.mu.Lock()
	var next *models.Lobby
	if s.snap != nil && s.snap.ID.String() == lobbyID {
		next = s.snap.Clone()
		if i := next.PlayerIndex(playerID); i >= 0 {
			next.Players = append(next.Players[:i], next.Players[i+1:]...)
		}
	}
	s.mu.Unlock()
	if next != nil {
		s.replace(next)
	}
	return nil
}

// Delete removes the lobby.
func (s *Session) Delete(ctx context.Context) error {
	lobbyID, _, _, err := s.current()
	if err != nil {
		return err
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.api.DeleteLobby(callCtx, lobbyID, s.player.ID); err != nil && !errors.Is(err, lobby.ErrNotFound) {
		return err
	}
	s.replace(nil)
	s.logger.WithField("lobby", lobbyID).Info("deleted lobby")
	return nil
}

// Refresh fetches the lobby now instead of waiting for the next poll.
func (s *Session) Refresh(ctx context.Context) (*models.Lobby, error) {
	lobbyID, gen, _, err := s.current()
	if err != nil {
		return nil, err
	}
	l, err := s.fetch(ctx, lobbyID, gen)
	if err != nil {
		return nil, err
	}
	return cloneOrNil(l), nil
}

// fetch reads the lobby and applies the outcome. A vanished lobby or a
// missing local player clears the session.
func (s *Session) fetch(ctx context.Context, lobbyID string, gen uint64) (*models.Lobby, error) {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()

	l, err := s.api.GetLobby(callCtx, lobbyID, s.player.ID)
	switch {
	case errors.Is(err, lobby.ErrNotFound):
		if s.replaceIf(gen, nil) {
			s.logger.WithField("lobby", lobbyID).Info("lobby is gone")
		}
		return nil, nil
	case err != nil:
		return nil, err
	}
	if s.replaceIf(gen, l) && !l.HasPlayer(s.player.ID) {
		s.logger.WithField("lobby", lobbyID).Info("no longer a member of lobby")
		return nil, nil
	}
	return l, nil
}

func (s *Session) poll(ctx context.Context) {
	lobbyID, gen, _, err := s.current()
	if err != nil {
		return
	}
	if _, err := s.fetch(ctx, lobbyID, gen); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).WithField("lobby", lobbyID).Warn("lobby poll failed")
	}
}

func (s *Session) heartbeat(ctx context.Context) {
	lobbyID, _, role, err := s.current()
	if err != nil || role != RoleHost {
		return
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.api.SendHeartbeat(callCtx, lobbyID, s.player.ID); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).WithField("lobby", lobbyID).Warn("heartbeat failed, retrying next tick")
	}
}

// String is used by the console.
func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return fmt.Sprintf("%s: %s", s.player.ID, RoleNone)
	}
	return fmt.Sprintf("%s: %s of %s (%d/%d)", s.player.ID, s.role, s.snap.ID, len(s.snap.Players), s.snap.MaxPlayers)
}
