package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/assettrack/scan-relay-go/internal/client"
	"github.com/assettrack/scan-relay-go/internal/model"
	"github.com/assettrack/scan-relay-go/internal/phone"
)

func runPhone(ctx context.Context, args []string) error {
	var (
		common     commonFlags
		deviceID   string
		sessionTTL int
	)
	fs := pflag.NewFlagSet("scanclient phone", pflag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&deviceID, "device-id", "", "device id to present when pairing")
	fs.IntVar(&sessionTTL, "session-ttl", 0, "requested session lifetime in seconds (server default when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setLogLevel(common.logLevel)

	if fs.NArg() != 1 {
		return errors.New("phone needs the pairing QR text as its only argument")
	}

	ended := make(chan struct{}, 1)
	opts := phone.Options{
		API:               client.New(client.Options{BaseURL: common.apiURL}),
		SessionTTLSeconds: sessionTTL,
		Callbacks: phone.Callbacks{
			OnState: func(s phone.State) {
				fmt.Printf("state: %s\n", s)
				if s == phone.StateIdle {
					select {
					case ended <- struct{}{}:
					default:
					}
				}
			},
			OnPaired: func(s client.Session) {
				fmt.Printf("paired: session %s (%s)\n", s.ScanSessionID, s.Context)
			},
			OnScanned: func(barcode string, r client.ScanReceipt) {
				fmt.Printf("sent #%d: %s\n", r.EventID, barcode)
			},
			OnPhoto: func(path string) {
				fmt.Printf("uploaded %s\n", path)
			},
			OnModeChanged: func(mode model.RemoteMode, tag *string) {
				if tag != nil {
					fmt.Printf("desktop wants %s photos for %s\n", mode, *tag)
					return
				}
				fmt.Printf("desktop wants %s\n", mode)
			},
		},
	}
	if deviceID != "" {
		opts.DeviceID = &deviceID
	}

	orch := phone.New(opts)
	defer orch.Close()

	if err := orch.StartPairing(); err != nil {
		return err
	}
	if err := orch.HandleRead(ctx, fs.Arg(0)); err != nil {
		return err
	}

	fmt.Println("type barcodes, or photo <file> while the desktop asks for damage photos")
	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := phoneLine(ctx, orch, line); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}

func phoneLine(ctx context.Context, orch *phone.Orchestrator, line string) error {
	if file, ok := strings.CutPrefix(strings.TrimSpace(line), "photo "); ok {
		image, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(file)))
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		_, err = orch.HandleFrame(ctx, image, mimeType)
		return err
	}
	if err := orch.HandleRead(ctx, line); err != nil {
		return err
	}
	if remaining := orch.Remaining(); remaining > 0 && remaining < time.Minute {
		fmt.Printf("session ends in %s\n", remaining.Round(time.Second))
	}
	return nil
}
