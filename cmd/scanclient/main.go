// Command scanclient runs the desktop or phone side of a remote scan
// session from a terminal.
//
//	scanclient desktop [flags]   issue a pairing QR and print scans
//	scanclient phone [flags] QR  pair with a QR payload, then post stdin lines
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/assettrack/scan-relay-go/internal/client"
)

const usage = `usage: scanclient <desktop|phone> [flags]

Environment:
  SCAN_API_URL  relay base URL (default http://localhost:8080)
  SCAN_TOKEN    desktop bearer token
`

// commonFlags are shared by both subcommands.
type commonFlags struct {
	apiURL   string
	token    string
	logLevel string
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.apiURL, "api-url", envOr("SCAN_API_URL", "http://localhost:8080"), "relay base URL")
	fs.StringVar(&c.token, "token", os.Getenv("SCAN_TOKEN"), "desktop bearer token")
	fs.StringVar(&c.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "debug|info|warn|error")
}

func (c *commonFlags) client() *client.Client {
	return client.New(client.Options{BaseURL: c.apiURL, Token: c.token})
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing subcommand")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "desktop":
		return runDesktop(ctx, args[1:])
	case "phone":
		return runPhone(ctx, args[1:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
