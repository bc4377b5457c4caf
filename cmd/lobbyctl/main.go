// cmd/lobbyctl/main.go is the console client of lobbyd. Every command maps
// to one lobby operation; "run" keeps a session alive until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/client"
	"github.com/jason-s-yu/lobbyd/internal/config"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app holds the flags shared by every command.
type app struct {
	url     string
	token   string
	timeout time.Duration
	verbose bool

	logger *logrus.Logger
}

func (a *app) client() *client.Client {
	return client.New(a.url,
		client.WithToken(a.token),
		client.WithTimeout(a.timeout),
		client.WithLogger(a.logger),
	)
}

// callContext bounds one command's request.
func (a *app) callContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

func newRootCmd(cfg config.Config) *cobra.Command {
	a := &app{logger: logrus.New()}

	root := &cobra.Command{
		Use:           "lobbyctl",
		Short:         "Console client for the lobbyd coordination service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.logger.SetOutput(cmd.ErrOrStderr())
			a.logger.SetLevel(logrus.WarnLevel)
			if a.verbose {
				a.logger.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&a.url, "url", cfg.ServerURL, "lobbyd base URL (LOBBYD_URL)")
	root.PersistentFlags().StringVar(&a.token, "token", cfg.Token, "player token from signin (LOBBYD_TOKEN)")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", cfg.CallTimeout, "per-request timeout (LOBBYD_CALL_TIMEOUT)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newSignInCmd(a),
		newCreateCmd(a),
		newListCmd(a),
		newGetCmd(a),
		newJoinCmd(a),
		newJoinCodeCmd(a),
		newQuickJoinCmd(a),
		newUpdateCmd(a),
		newUpdatePlayerCmd(a),
		newLeaveCmd(a),
		newKickCmd(a),
		newHeartbeatCmd(a),
		newDeleteCmd(a),
		newPrintPlayersCmd(a),
		newWatchCmd(a),
		newRunCmd(a),
	)
	return root
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(cfg).ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
}
