// internal/service/service.go
package service

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/jason-s-yu/lobbyd/internal/metrics"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/sirupsen/logrus"
)

// HostMigration decides what happens to host authority when the host is removed.
type HostMigration string

const (
	// MigrateManual leaves the host id dangling until someone calls UpdateLobby with a new host.
	MigrateManual HostMigration = "manual"
	// MigratePromoteOldest hands authority to the earliest remaining member in the same step.
	MigratePromoteOldest HostMigration = "promote_oldest"
)

// Policy holds the authorization and recovery choices.
type Policy struct {
	// StrictRemove requires the caller to be the target (leave) or the host (kick).
	StrictRemove bool
	// StrictDelete requires the caller to be the host.
	StrictDelete bool

	HostMigration     HostMigration
	QuickJoinAttempts int
}

// Config configures a Service.
type Config struct {
	ExpiryThreshold time.Duration
	SweepInterval   time.Duration
	DefaultLimit    int
	MaxLimit        int
	Policy          Policy
}

// DefaultConfig is permissive on remove and delete and migrates hosts manually.
func DefaultConfig() Config {
	return Config{
		ExpiryThreshold: lobby.DefaultExpiryThreshold,
		SweepInterval:   lobby.DefaultSweepInterval,
		DefaultLimit:    lobby.DefaultQueryLimit,
		MaxLimit:        lobby.MaxQueryLimit,
		Policy: Policy{
			HostMigration:     MigrateManual,
			QuickJoinAttempts: 3,
		},
	}
}

// Publisher ships lobby events out of process.
type Publisher interface {
	Publish(ctx context.Context, ev models.LobbyEvent) error
}

const (
	publishBuffer  = 256
	publishTimeout = 2 * time.Second
)

// Service is the lobby coordination service. It is safe for concurrent use.
type Service struct {
	store   *lobby.Store
	dir     *lobby.Directory
	sweeper *lobby.Sweeper
	hub     *lobby.Hub

	cfg       Config
	clock     clock.Clock
	logger    logrus.FieldLogger
	metrics   metrics.Recorder
	publisher Publisher
	outbox    chan models.LobbyEvent
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for timestamps, expiry and the sweep ticker.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPublisher ships every non-heartbeat event to p once Run is started.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// New builds a Service around a fresh in-memory store.
func New(cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.Policy.HostMigration == "" {
		cfg.Policy.HostMigration = def.Policy.HostMigration
	}
	if cfg.Policy.QuickJoinAttempts <= 0 {
		cfg.Policy.QuickJoinAttempts = def.Policy.QuickJoinAttempts
	}

	s := &Service{
		cfg:     cfg,
		clock:   clock.New(),
		logger:  logrus.StandardLogger(),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.store = lobby.NewStore(lobby.WithClock(s.clock), lobby.WithLogger(s.logger))
	s.dir = lobby.NewDirectory(s.store)
	if cfg.DefaultLimit > 0 {
		s.dir.DefaultLimit = cfg.DefaultLimit
	}
	if cfg.MaxLimit > 0 {
		s.dir.MaxLimit = cfg.MaxLimit
	}
	s.sweeper = lobby.NewSweeper(s.store, cfg.ExpiryThreshold, cfg.SweepInterval)
	s.sweeper.OnSweep = func(expired []uuid.UUID) {
		if len(expired) > 0 {
			s.metrics.RecordExpired(len(expired))
		}
	}
	s.hub = lobby.NewHub(s.logger)
	if s.publisher != nil {
		s.outbox = make(chan models.LobbyEvent, publishBuffer)
	}

	s.store.OnEvent(s.handleEvent)
	return s
}

func (s *Service) handleEvent(ev models.LobbyEvent) {
	s.metrics.RecordEvent(ev)
	s.metrics.SetActiveLobbies(s.store.Len())
	s.hub.Publish(ev)

	if s.outbox == nil || ev.Type == models.EventHeartbeat {
		return
	}
	select {
	case s.outbox <- ev:
	default:
		s.logger.WithFields(logrus.Fields{
			"lobby": ev.LobbyID,
			"event": ev.Type,
		}).Warn("event outbox full, dropped event")
	}
}

// Run starts the expiry sweeper and the event publisher and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) {
	sweepDone := s.sweeper.Start(ctx)
	s.logger.WithFields(logrus.Fields{
		"expiry": s.sweeper.Threshold(),
		"policy": s.cfg.Policy,
	}).Info("lobby service started")

	if s.outbox != nil {
		s.publishLoop(ctx)
	} else {
		<-ctx.Done()
	}
	<-sweepDone
	s.logger.Info("lobby service stopped")
}

func (s *Service) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.outbox:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := s.publisher.Publish(pctx, ev)
			cancel()
			if err != nil {
				// publishing is best effort; the lobby operation already succeeded
				s.logger.WithError(err).WithField("lobby", ev.LobbyID).Warn("failed to publish lobby event")
			}
		}
	}
}

// Sweep runs one expiry pass immediately.
func (s *Service) Sweep() []uuid.UUID {
	return s.sweeper.Sweep()
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// observe records the outcome of one operation.
func (s *Service) observe(op, lobbyID string, start time.Time, err error) {
	code := "ok"
	if err != nil {
		code = lobby.Code(err)
	}
	s.metrics.RecordOperation(op, code, s.clock.Since(start))
	if err != nil {
		entry := s.logger.WithFields(logrus.Fields{"op": op, "lobby": lobbyID, "code": code})
		if code == "internal" {
			entry.WithError(err).Error("lobby operation failed")
		} else {
			entry.Debug("lobby operation rejected")
		}
	}
}

func parseLobbyID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, lobby.ErrNotFound
	}
	return u, nil
}

// CreateLobby stores a new lobby with creator as its only member and host.
func (s *Service) CreateLobby(ctx context.Context, name string, maxPlayers int, isPrivate bool, creator models.Player, attrs models.Attributes) (l *models.Lobby, err error) {
	const op = "create_lobby"
	start := s.clock.Now()
	defer func() { s.observe(op, lobbyIDOf(l), start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, lobby.WrapOp(op, "", err)
	}
	l, err = s.store.Create(lobby.CreateSpec{
		Name:       name,
		MaxPlayers: maxPlayers,
		IsPrivate:  isPrivate,
		Creator:    creator,
		Attributes: attrs,
	})
	if err != nil {
		return nil, lobby.WrapOp(op, "", err)
	}
	return l.ForViewer(creator.ID), nil
}

func lobbyIDOf(l *models.Lobby) string {
	if l == nil {
		return ""
	}
	return l.ID.String()
}

// ListLobbies queries the directory of public lobbies.
func (s *Service) ListLobbies(ctx context.Context, opts lobby.QueryOptions) (entries []models.DirectoryEntry, err error) {
	const op = "list_lobbies"
	start := s.clock.Now()
	defer func() { s.observe(op, "", start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, lobby.WrapOp(op, "", err)
	}
	entries, err = s.dir.Query(opts)
	return entries, lobby.WrapOp(op, "", err)
}

// GetLobby returns the authoritative snapshot filtered for callerID.
func (s *Service) GetLobby(ctx context.Context, lobbyID, callerID string) (l *models.Lobby, err error) {
	const op = "get_lobby"
	start := s.clock.Now()
	defer func() { s.observe(op, lobbyID, start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	id, err := parseLobbyID(lobbyID)
	if err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	l, err = s.store.Get(id)
	if err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	return l.ForViewer(callerID), nil
}

// JoinLobbyByID adds player to the lobby.
func (s *Service) JoinLobbyByID(ctx context.Context, lobbyID string, player models.Player) (l *models.Lobby, err error) {
	const op = "join_lobby"
	start := s.clock.Now()
	defer func() { s.observe(op, lobbyID, start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	id, err := parseLobbyID(lobbyID)
	if err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	l, err = s.store.AddMember(id, player)
	if err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	return l.ForViewer(player.ID), nil
}

// JoinLobbyByCode resolves code and adds player to that lobby.
func (s *Service) JoinLobbyByCode(ctx context.Context, code string, player models.Player) (l *models.Lobby, err error) {
	const op = "join_lobby_by_code"
	start := s.clock.Now()
	defer func() { s.observe(op, lobbyIDOf(l), start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, lobby.WrapOp(op, "", err)
	}
	target, err := s.store.GetByCode(code)
	if err != nil {
		return nil, lobby.WrapOp(op, "", err)
	}
	l, err = s.store.AddMember(target.ID, player)
	if errors.Is(err, lobby.ErrNotFound) {
		// deleted between lookup and join
		err = lobby.ErrInvalidCode
	}
	if err != nil {
		return nil, lobby.WrapOp(op, target.ID.String(), err)
	}
	return l.ForViewer(player.ID), nil
}

// QuickJoinLobby joins the first public lobby with a free slot matching
// filters. Candidates that fill up or vanish between the query and the join
// are skipped; the query is repeated up to Policy.QuickJoinAttempts times.
func (s *Service) QuickJoinLobby(ctx context.Context, player models.Player, filters []lobby.Filter) (l *models.Lobby, err error) {
	const op = "quick_join"
	start := s.clock.Now()
	defer func() { s.observe(op, lobbyIDOf(l), start, err) }()

	query := lobby.QueryOptions{
		Filters: append([]lobby.Filter{lobby.HasSlots}, filters...),
		Limit:   s.dir.MaxLimit,
	}
	for attempt := 0; attempt < s.cfg.Policy.QuickJoinAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, lobby.WrapOp(op, "", err)
		}
		candidates, err := s.dir.Query(query)
		if err != nil {
			return nil, lobby.WrapOp(op, "", err)
		}
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			joined, err := s.store.AddMember(c.ID, player)
			switch {
			case err == nil:
				return joined.ForViewer(player.ID), nil
			case errors.Is(err, lobby.ErrFull), errors.Is(err, lobby.ErrNotFound), errors.Is(err, lobby.ErrDuplicateMember):
				continue
			default:
				return nil, lobby.WrapOp(op, c.ID.String(), err)
			}
		}
		s.logger.WithFields(logrus.Fields{"player": player.ID, "attempt": attempt + 1}).Debug("quick join lost every candidate, retrying")
	}
	return nil, lobby.WrapOp(op, "", lobby.ErrNoAvailableLobby)
}

// UpdateLobby merges patch into the lobby attributes and optionally hands
// host authority to newHostID. Only the host (as of before the call) may do this.
func (s *Service) UpdateLobby(ctx context.Context, lobbyID, callerID string, patch models.AttributePatch, newHostID string) (l *models.Lobby, err error) {
	const op = "update_lobby"
	start := s.clock.Now()
	defer func() { s.observe(op, lobbyID, start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	id, err := parseLobbyID(lobbyID)
	if err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	l, err = s.store.Update(id, callerID, patch, newHostID)
	if err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	return l.ForViewer(callerID), nil
}

// UpdatePlayer merges patch into the caller's own player attributes.
func (s *Service) UpdatePlayer(ctx context.Context, lobbyID, callerID, playerID string, patch models.AttributePatch) (l *models.Lobby, err error) {
	const op = "update_player"
	start := s.clock.Now()
	defer func() { s.observe(op, lobbyID, start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	if callerID != playerID {
		return nil, lobby.WrapOp(op, lobbyID, lobby.ErrNotAuthorized)
	}
	id, err := parseLobbyID(lobbyID)
	if err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	l, err = s.store.UpdatePlayer(id, playerID, patch)
	if err != nil {
		return nil, lobby.WrapOp(op, lobbyID, err)
	}
	return l.ForViewer(callerID), nil
}

// RemovePlayer removes targetID: a leave when callerID == targetID, a kick otherwise.
func (s *Service) RemovePlayer(ctx context.Context, lobbyID, callerID, targetID string) (err error) {
	const op = "remove_player"
	start := s.clock.Now()
	defer func() { s.observe(op, lobbyID, start, err) }()

	if err := ctx.Err(); err != nil {
		return lobby.WrapOp(op, lobbyID, err)
	}
	id, err := parseLobbyID(lobbyID)
	if err != nil {
		return lobby.WrapOp(op, lobbyID, err)
	}
	opts := []lobby.MutationOption{lobby.Actor(callerID)}
	if s.cfg.Policy.StrictRemove {
		opts = append(opts, lobby.Require(lobby.RequireSelfOrHost(callerID, targetID)))
	}
	if s.cfg.Policy.HostMigration == MigratePromoteOldest {
		opts = append(opts, lobby.PromoteOldest())
	}
	_, err = s.store.RemoveMember(id, targetID, opts...)
	return lobby.WrapOp(op, lobbyID, err)
}

// SendHeartbeat keeps the lobby alive. Only the present host may call it.
func (s *Service) SendHeartbeat(ctx context.Context, lobbyID, callerID string) (err error) {
	const op = "heartbeat"
	start := s.clock.Now()
	defer func() { s.observe(op, lobbyID, start, err) }()

	if err := ctx.Err(); err != nil {
		return lobby.WrapOp(op, lobbyID, err)
	}
	id, err := parseLobbyID(lobbyID)
	if err != nil {
		return lobby.WrapOp(op, lobbyID, err)
	}
	return lobby.WrapOp(op, lobbyID, s.store.TouchHeartbeat(id, callerID))
}

// DeleteLobby removes the lobby. With Policy.StrictDelete only the host may.
func (s *Service) DeleteLobby(ctx context.Context, lobbyID, callerID string) (err error) {
	const op = "delete_lobby"
	start := s.clock.Now()
	defer func() { s.observe(op, lobbyID, start, err) }()

	if err := ctx.Err(); err != nil {
		return lobby.WrapOp(op, lobbyID, err)
	}
	id, err := parseLobbyID(lobbyID)
	if err != nil {
		return lobby.WrapOp(op, lobbyID, err)
	}
	opts := []lobby.MutationOption{lobby.Actor(callerID)}
	if s.cfg.Policy.StrictDelete {
		opts = append(opts, lobby.Require(lobby.RequireHost(callerID)))
	}
	return lobby.WrapOp(op, lobbyID, s.store.Delete(id, opts...))
}

// Watch streams the events of one lobby to a member. The channel closes when
// the lobby is deleted or expires, or when cancel is called.
func (s *Service) Watch(ctx context.Context, lobbyID, callerID string) (<-chan models.LobbyEvent, func(), error) {
	const op = "watch"
	if err := ctx.Err(); err != nil {
		return nil, nil, lobby.WrapOp(op, lobbyID, err)
	}
	id, err := parseLobbyID(lobbyID)
	if err != nil {
		return nil, nil, lobby.WrapOp(op, lobbyID, err)
	}
	// subscribe first so no event between the check and the subscription is lost
	ch, cancel := s.hub.Subscribe(id)
	l, err := s.store.Get(id)
	if err != nil {
		cancel()
		return nil, nil, lobby.WrapOp(op, lobbyID, err)
	}
	if !l.HasPlayer(callerID) {
		cancel()
		return nil, nil, lobby.WrapOp(op, lobbyID, lobby.ErrNotAuthorized)
	}
	return ch, cancel, nil
}
