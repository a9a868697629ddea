// Command remote-agent is the on-host binary staged by RemoteBootstrapper
// and launched by deploy.sh. It exposes remote_server --port/--token/--no-tmux
// (spec.md §6 "Agent CLI").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/websoft9/remotehost/internal/remoteagent"
)

func main() {
	var port int
	var token string
	var workspace string
	var noTmux bool

	root := &cobra.Command{
		Use:   "remote_server",
		Short: "on-host execution agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(port, token, workspace, noTmux)
		},
	}
	root.Flags().IntVar(&port, "port", 8765, "loopback port to listen on")
	root.Flags().StringVar(&token, "token", "", "shared secret required on the auth frame")
	root.Flags().StringVar(&workspace, "workspace", "", "default working directory / file-RPC jail root")
	root.Flags().BoolVar(&noTmux, "no-tmux", false, "disable tmux-backed session persistence")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(port int, token, workspace string, noTmux bool) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	srv, err := remoteagent.New(remoteagent.Config{Port: port, AuthToken: token, Workspace: workspace, NoTmux: noTmux}, log)
	if err != nil {
		return fmt.Errorf("remote_server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Listen(); err != nil {
		return fmt.Errorf("remote_server: listen: %w", err)
	}
	log.Info().Stringer("addr", srv.Addr()).Msg("remote_server listening")

	return srv.Serve(ctx)
}
