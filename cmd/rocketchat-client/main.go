package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/rocketchat-adapter/internal/config"
	"github.com/omochice/rocketchat-adapter/internal/logging"
	"github.com/omochice/rocketchat-adapter/pkg/adapter"
	"github.com/omochice/rocketchat-adapter/pkg/widget"
)

type options struct {
	configPath string
	url        string
	username   string
	password   string
	channel    string
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
		Use:          "rocketchat-client",
		Short:        "Chat in a Rocket.Chat channel from the terminal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, opts, &cfg)
			logging.Setup(cfg.LogLevel, os.Stderr)

			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, os.Stdin, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&opts.url, "url", "", "Rocket.Chat server url (e.g., http://localhost:3000)")
	flags.StringVarP(&opts.username, "username", "u", "", "Username for chat")
	flags.StringVarP(&opts.password, "password", "p", "", "Password for chat")
	flags.StringVar(&opts.channel, "channel", "", "Room id to join")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	return cmd
}

func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.BackendURL = opts.url
	}
	if flags.Changed("username") {
		cfg.Username = opts.username
	}
	if flags.Changed("password") {
		cfg.Password = opts.password
	}
	if flags.Changed("channel") {
		cfg.ChannelID = opts.channel
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
}

func run(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := adapter.New(adapter.WithTimeout(cfg.Timeout), adapter.WithLogger(log.Logger))
	defer a.Close()

	res, err := a.Init(ctx, cfg.AdapterConfig())
	if err != nil {
		return errors.Wrap(err, "failed to connect")
	}

	log.Info().Str("url", cfg.BackendURL).Str("user", res.User.Username).Msg(res.Message)
	for _, msg := range res.LastMessages {
		printMessage(out, msg)
	}

	oldest := widget.HistoryCursor{}
	if len(res.LastMessages) > 0 {
		oldest.Time = res.LastMessages[0].Time
	}

	a.On(widget.EventNewRemoteMessage, func(msg widget.Message) {
		printMessage(out, msg)
	})

	done := make(chan struct{})
	defer close(done)
	lines := readLines(in, done)

	fmt.Fprintln(out, "Type your messages ('/older' for history, 'quit' to exit):")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				text := strings.TrimSpace(line)
				switch {
				case text == "":
				case text == "quit" || text == "exit":
					return nil
				case text == "/older":
					page, err := a.RequestOlderMessages(ctx, &oldest)
					if err != nil {
						log.Error().Err(err).Msg("Failed to load older messages")
						continue
					}
					if len(page.Data) == 0 {
						fmt.Fprintln(out, "*** no older messages ***")
						continue
					}
					oldest.Time = page.Data[0].Time
					for _, msg := range page.Data {
						printMessage(out, msg)
					}
				default:
					if err := a.Send(ctx, widget.OutboundMessage{ID: uuid.NewString(), Text: text}); err != nil {
						log.Error().Err(err).Msg("Failed to send message")
					}
				}
			}
		}
	})

	err = g.Wait()
	log.Info().Msg("Disconnected from server")
	return err
}

func printMessage(out io.Writer, msg widget.Message) {
	marker := ""
	if msg.Direction == widget.DirectionOutgoing {
		marker = " (you)"
	}
	fmt.Fprintf(out, "%s [%s%s]: %s\n", msg.Time.Format("15:04:05"), msg.From.Username, marker, msg.Text)
}

// readLines streams lines from in until it is exhausted or done is closed.
func readLines(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Error().Err(err).Msg("Error reading input")
		}
	}()
	return lines
}
