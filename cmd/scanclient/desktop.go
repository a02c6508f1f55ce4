package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/assettrack/scan-relay-go/internal/client"
	"github.com/assettrack/scan-relay-go/internal/desktop"
	"github.com/assettrack/scan-relay-go/internal/model"
)

func runDesktop(ctx context.Context, args []string) error {
	var (
		common     commonFlags
		scanCtx    string
		contextRef string
		ttl        int
		qrPath     string
		statePath  string
		noStream   bool
	)
	fs := pflag.NewFlagSet("scanclient desktop", pflag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&scanCtx, "context", "search", "scan context: search or bulk")
	fs.StringVar(&contextRef, "context-ref", "", "optional reference for the scan context")
	fs.IntVar(&ttl, "ttl", 0, "pairing challenge lifetime in seconds (server default when 0)")
	fs.StringVar(&qrPath, "qr-png", "", "also write the pairing QR to this PNG file")
	fs.StringVar(&statePath, "state", defaultStatePath(), "file that keeps the pairing across restarts")
	fs.BoolVar(&noStream, "no-stream", false, "rely on polling only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setLogLevel(common.logLevel)

	if common.token == "" {
		return errors.New("desktop needs a bearer token (--token or SCAN_TOKEN)")
	}

	api := common.client()
	req := client.CreatePairingRequest{
		Context:    model.NormalizeScanContext(scanCtx),
		TTLSeconds: ttl,
	}
	if contextRef != "" {
		req.ContextRef = &contextRef
	}

	done := make(chan desktop.State, 1)
	opts := desktop.Options{
		API:       api,
		StatePath: statePath,
		Pairing:   req,
		Callbacks: desktop.Callbacks{
			OnState: func(s desktop.State) {
				fmt.Printf("state: %s\n", s)
				switch s {
				case desktop.StateEnded, desktop.StateExpired:
					select {
					case done <- s:
					default:
					}
				}
			},
			OnQR: func(qr desktop.QRCode) {
				fmt.Println(qr.Terminal)
				fmt.Printf("scan with the phone before %s\n", qr.ExpiresAt.Local().Format(time.Kitchen))
				if qrPath != "" {
					if err := os.WriteFile(qrPath, qr.PNG, 0o644); err != nil {
						log.Warn().Err(err).Str("path", qrPath).Msg("failed to write QR image")
					}
				}
			},
			OnPaired: func(id string, expiresAt time.Time) {
				fmt.Printf("paired: session %s until %s\n", id, expiresAt.Local().Format(time.Kitchen))
			},
			OnBarcode: func(ev model.ScanEvent) {
				fmt.Printf("scan #%d: %s\n", ev.ID, ev.Barcode)
			},
			OnDamagePhoto: func(tag, path string) {
				fmt.Printf("photo for %s: %s\n", tag, path)
			},
			OnPendingPhotos: func(n int) {
				fmt.Printf("pending photos: %d\n", n)
			},
			OnModeChanged: func(mode model.RemoteMode, tag *string) {
				if tag != nil {
					fmt.Printf("phone mode: %s (%s)\n", mode, *tag)
					return
				}
				fmt.Printf("phone mode: %s\n", mode)
			},
			OnError: func(err error) {
				log.Error().Err(err).Msg("desktop error")
			},
		},
	}
	if !noStream {
		opts.Stream = api
	}

	orch := desktop.New(opts)
	defer orch.Close()

	restored, err := orch.Restore(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not restore previous session")
	}
	if !restored {
		if _, err := orch.Pair(ctx); err != nil {
			return err
		}
	}

	fmt.Println(`commands: damage <asset tag> | scan | dismiss | end | pair | quit`)
	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-done:
			fmt.Printf("session %s; type pair to start again or quit\n", s)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := desktopCommand(ctx, orch, line); quit {
				return nil
			}
		}
	}
}

func desktopCommand(ctx context.Context, orch *desktop.Orchestrator, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	var err error
	switch cmd {
	case "":
	case "damage":
		err = orch.OpenDamage(arg)
	case "scan":
		err = orch.CloseDamage()
	case "dismiss":
		err = orch.DismissPending(ctx)
	case "end":
		err = orch.End(ctx)
	case "pair":
		_, err = orch.Pair(ctx)
	case "quit", "exit":
		return true
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return false
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".scanclient-session.yaml"
	}
	return filepath.Join(dir, "scanclient", "session.yaml")
}

// readLines delivers stdin lines until EOF.
func readLines(f *os.File) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()
	return out
}
