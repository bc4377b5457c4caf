package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/jason-s-yu/lobbyd/internal/session"
	"github.com/spf13/cobra"
)

type runOptions struct {
	create      string
	maxPlayers  int
	private     bool
	join        string
	code        string
	quick       bool
	filters     []string
	attrs       []string
	playerAttrs []string
	keep        bool
	heartbeat   time.Duration
	poll        time.Duration
}

func newRunCmd(a *app) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create or join a lobby and keep the session alive, printing changes",
		Long: `run creates or joins one lobby, then keeps heartbeating (while host) and
polling until interrupted. On exit the player leaves the lobby and, if it was
host, hands authority to the earliest remaining member, unless --keep is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), a, o, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.create, "create", "", "create a lobby with this name")
	f.IntVar(&o.maxPlayers, "max", 4, "max players of a created lobby")
	f.BoolVar(&o.private, "private", false, "create a private lobby")
	f.StringVar(&o.join, "join", "", "join this lobby id")
	f.StringVar(&o.code, "code", "", "join the lobby with this code")
	f.BoolVar(&o.quick, "quick", false, "quick join any open lobby")
	f.StringArrayVar(&o.filters, "filter", nil, "quick join filter field:op:value")
	f.StringArrayVar(&o.attrs, "attr", nil, "created lobby attribute key=value[:visibility]")
	f.StringArrayVar(&o.playerAttrs, "player-attr", nil, "your attribute key=value[:visibility]")
	f.BoolVar(&o.keep, "keep", false, "stay in the lobby on exit")
	f.DurationVar(&o.heartbeat, "heartbeat", session.DefaultHeartbeatInterval, "host heartbeat interval")
	f.DurationVar(&o.poll, "poll", session.DefaultPollInterval, "lobby poll interval")
	cmd.MarkFlagsMutuallyExclusive("create", "join", "code", "quick")
	cmd.MarkFlagsOneRequired("create", "join", "code", "quick")
	return cmd
}

// lockedWriter serializes output from the session's goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func runSession(ctx context.Context, a *app, o runOptions, w io.Writer) error {
	out := &lockedWriter{w: w}
	c := a.client()

	if c.Token() == "" {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		p, err := c.SignInAnonymously(callCtx, nil)
		cancel()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "signed in as %s\n", p.ID)
	}
	attrs, err := parseAttributes(o.playerAttrs)
	if err != nil {
		return err
	}
	me := models.Player{ID: c.PlayerID(), Attributes: attrs}

	s := session.New(c, me,
		session.WithHeartbeatInterval(o.heartbeat),
		session.WithPollInterval(o.poll),
		session.WithCallTimeout(a.timeout),
		session.WithLogger(a.logger),
	)
	defer s.Close()

	gone := make(chan struct{})
	var goneOnce sync.Once
	s.OnChange(func(prev, next *models.Lobby) {
		printChange(out, prev, next)
		if next == nil {
			goneOnce.Do(func() { close(gone) })
		}
	})

	if err := enter(ctx, s, o); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s; press Ctrl-C to exit\n", s)

	select {
	case <-ctx.Done():
	case <-gone:
		return nil
	}

	if o.keep || s.Role() == session.RoleNone {
		return nil
	}
	leaveCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := s.Leave(leaveCtx); err != nil && !errors.Is(err, session.ErrNoLobby) {
		return err
	}
	return nil
}

func enter(ctx context.Context, s *session.Session, o runOptions) error {
	var err error
	switch {
	case o.create != "":
		var attrs models.Attributes
		if attrs, err = parseAttributes(o.attrs); err != nil {
			return err
		}
		_, err = s.Create(ctx, o.create, o.maxPlayers, o.private, attrs)
	case o.join != "":
		_, err = s.Join(ctx, o.join)
	case o.code != "":
		_, err = s.JoinByCode(ctx, o.code)
	default:
		filters, ferr := parseFilters(o.filters)
		if ferr != nil {
			return ferr
		}
		_, err = s.QuickJoin(ctx, filters...)
	}
	return err
}
