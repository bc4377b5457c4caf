package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jason-s-yu/lobbyd/internal/auth"
	"github.com/jason-s-yu/lobbyd/internal/client"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/spf13/cobra"
)

func newSignInCmd(a *app) *cobra.Command {
	var attrs []string
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in anonymously and print a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			playerAttrs, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			c := a.client()
			future := auth.SignIn(ctx, signInWith{c: c, attrs: playerAttrs})
			future.OnSignedIn(func(p models.Player) {
				a.logger.WithField("player", p.ID).Debug("signed in")
			})
			p, err := future.Wait(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "player %s\n", p.ID)
			fmt.Fprintf(out, "export LOBBYD_TOKEN=%s\n", c.Token())
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "player attribute key=value[:visibility]")
	return cmd
}

// signInWith adapts SignInAnonymously with attributes to auth.Provider.
type signInWith struct {
	c     *client.Client
	attrs models.Attributes
}

func (s signInWith) SignIn(ctx context.Context) (models.Player, error) {
	return s.c.SignInAnonymously(ctx, s.attrs)
}

func newCreateCmd(a *app) *cobra.Command {
	var (
		private     bool
		attrs       []string
		playerAttrs []string
	)
	cmd := &cobra.Command{
		Use:   "create <name> <maxPlayers>",
		Short: "Create a lobby hosted by you",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			maxPlayers, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("maxPlayers: %w", err)
			}
			lobbyAttrs, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			creator, err := a.player(playerAttrs)
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			l, err := a.client().CreateLobby(ctx, args[0], maxPlayers, private, creator, lobbyAttrs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), l)
		},
	}
	cmd.Flags().BoolVar(&private, "private", false, "hide the lobby from list and quick join")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "lobby attribute key=value[:visibility]")
	cmd.Flags().StringArrayVar(&playerAttrs, "player-attr", nil, "your attribute key=value[:visibility]")
	return cmd
}

// player is the local player with optional attributes. The server binds it
// to the token subject.
func (a *app) player(specs []string) (models.Player, error) {
	attrs, err := parseAttributes(specs)
	if err != nil {
		return models.Player{}, err
	}
	return models.Player{ID: a.client().PlayerID(), Attributes: attrs}, nil
}

func newListCmd(a *app) *cobra.Command {
	var (
		filters []string
		orders  []string
		limit   int
		skip    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List public lobbies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := lobby.QueryOptions{Limit: limit, Skip: skip}
			var err error
			if opts.Filters, err = parseFilters(filters); err != nil {
				return err
			}
			if opts.Order, err = parseOrders(orders); err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			entries, err := a.client().ListLobbies(ctx, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-20q %d/%d free=%d  %s\n",
					e.ID, e.Name, e.PlayerCount, e.MaxPlayers, e.AvailableSlots, formatAttributes(e.Attributes))
			}
			fmt.Fprintf(out, "%d lobbies\n", len(entries))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "field:op:value, e.g. available_slots:gt:0 or attr.mode:eq:dm")
	cmd.Flags().StringArrayVar(&orders, "order", nil, "field or -field, comma separated")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results (server default when 0)")
	cmd.Flags().IntVar(&skip, "skip", 0, "results to skip")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <lobbyId>",
		Short: "Show a lobby",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			l, err := a.client().GetLobby(ctx, args[0], "")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), l)
		},
	}
}

func newJoinCmd(a *app) *cobra.Command {
	var playerAttrs []string
	cmd := &cobra.Command{
		Use:   "join <lobbyId>",
		Short: "Join a lobby by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.player(playerAttrs)
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			l, err := a.client().JoinLobbyByID(ctx, args[0], p)
			if err != nil {
				return err
			}
			printPlayers(cmd.OutOrStdout(), l)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&playerAttrs, "player-attr", nil, "your attribute key=value[:visibility]")
	return cmd
}

func newJoinCodeCmd(a *app) *cobra.Command {
	var playerAttrs []string
	cmd := &cobra.Command{
		Use:   "join-code <code>",
		Short: "Join a lobby by its join code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.player(playerAttrs)
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			l, err := a.client().JoinLobbyByCode(ctx, args[0], p)
			if err != nil {
				return err
			}
			printPlayers(cmd.OutOrStdout(), l)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&playerAttrs, "player-attr", nil, "your attribute key=value[:visibility]")
	return cmd
}

func newQuickJoinCmd(a *app) *cobra.Command {
	var (
		filters     []string
		playerAttrs []string
	)
	cmd := &cobra.Command{
		Use:   "quick-join",
		Short: "Join any public lobby with free slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := parseFilters(filters)
			if err != nil {
				return err
			}
			p, err := a.player(playerAttrs)
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			l, err := a.client().QuickJoinLobby(ctx, p, fs)
			if err != nil {
				return err
			}
			printPlayers(cmd.OutOrStdout(), l)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "extra field:op:value filter")
	cmd.Flags().StringArrayVar(&playerAttrs, "player-attr", nil, "your attribute key=value[:visibility]")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var (
		attrs []string
		host  string
	)
	cmd := &cobra.Command{
		Use:   "update <lobbyId>",
		Short: "Patch lobby attributes and/or hand over host (host only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parsePatch(attrs)
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			l, err := a.client().UpdateLobby(ctx, args[0], "", patch, host)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), l)
		},
	}
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "key=value[:visibility], or -key to remove")
	cmd.Flags().StringVar(&host, "host", "", "member id to become host")
	return cmd
}

func newUpdatePlayerCmd(a *app) *cobra.Command {
	var attrs []string
	cmd := &cobra.Command{
		Use:   "update-player <lobbyId>",
		Short: "Patch your own player attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parsePatch(attrs)
			if err != nil {
				return err
			}
			c := a.client()
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			l, err := c.UpdatePlayer(ctx, args[0], c.PlayerID(), c.PlayerID(), patch)
			if err != nil {
				return err
			}
			printPlayers(cmd.OutOrStdout(), l)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "key=value[:visibility], or -key to remove")
	return cmd
}

func newLeaveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "leave <lobbyId>",
		Short: "Leave a lobby",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			if err := c.RemovePlayer(ctx, args[0], c.PlayerID(), c.PlayerID()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "left %s\n", args[0])
			return nil
		},
	}
}

func newKickCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kick <lobbyId> <playerId>",
		Short: "Remove a player from a lobby",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			if err := c.RemovePlayer(ctx, args[0], c.PlayerID(), args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", args[1], args[0])
			return nil
		},
	}
}

func newHeartbeatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <lobbyId>",
		Short: "Send one host heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			if err := c.SendHeartbeat(ctx, args[0], c.PlayerID()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <lobbyId>",
		Short: "Delete a lobby",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			if err := c.DeleteLobby(ctx, args[0], c.PlayerID()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newPrintPlayersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "print-players <lobbyId>",
		Short: "Print the members of a lobby",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			l, err := c.GetLobby(ctx, args[0], c.PlayerID())
			if err != nil {
				return err
			}
			printPlayers(cmd.OutOrStdout(), l)
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <lobbyId>",
		Short: "Stream a lobby's events until it closes or you interrupt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			events, stop, err := c.Watch(cmd.Context(), args[0], c.PlayerID())
			if err != nil {
				return err
			}
			defer stop()
			out := cmd.OutOrStdout()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						fmt.Fprintln(out, "stream closed")
						return nil
					}
					fmt.Fprintf(out, "v%d %s actor=%s player=%s\n", ev.Version, ev.Type, ev.ActorID, ev.PlayerID)
				}
			}
		},
	}
}
