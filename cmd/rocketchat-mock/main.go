package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omochice/rocketchat-adapter/internal/logging"
	"github.com/omochice/rocketchat-adapter/internal/server"
)

type options struct {
	addr       string
	users      []string
	rooms      []string
	autoCreate bool
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "rocketchat-mock",
		Short:        "Run an in-memory Rocket.Chat realtime server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(opts.logLevel, os.Stderr)

			srv, err := newServer(opts)
			if err != nil {
				return err
			}
			return serve(srv)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", ":3000", "Address to listen on (e.g., :3000)")
	flags.StringSliceVar(&opts.users, "user", []string{"alice:secret", "bob:secret"}, "Account as username:password, repeatable")
	flags.StringSliceVar(&opts.rooms, "room", []string{"GENERAL"}, "Room id to create, repeatable")
	flags.BoolVar(&opts.autoCreate, "auto-create-rooms", false, "Create unknown rooms on first message")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")

	return cmd
}

func newServer(opts *options) (*server.Server, error) {
	srv := server.New(opts.addr, server.Options{AutoCreateRooms: opts.autoCreate})
	for _, entry := range opts.users {
		username, password, ok := strings.Cut(entry, ":")
		if !ok || username == "" {
			return nil, errors.Errorf("invalid user %q, want username:password", entry)
		}
		srv.AddUser(server.User{
			ID:       "user-" + username,
			Username: username,
			Name:     username,
			Password: password,
			Avatar:   "/avatar/" + username,
		})
	}
	for _, room := range opts.rooms {
		srv.AddRoom(room)
	}
	return srv, nil
}

func serve(srv *server.Server) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	// Wait for either error or shutdown signal
	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		srv.Stop()
	}

	log.Info().Msg("Realtime emulator stopped")
	return nil
}
