package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// StreamEvent is one server-sent event from a session or pairing stream.
type StreamEvent struct {
	Type string
	Data json.RawMessage
}

// StreamSession relays the push stream of a scan session to fn until the
// server closes it or ctx is cancelled. The initial "connected" event is
// delivered like any other. A clean close by the server returns nil.
func (c *Client) StreamSession(ctx context.Context, sessionID string, fn func(StreamEvent)) error {
	return c.streamPath(ctx, "/v1/scan-sessions/"+url.PathEscape(sessionID)+"/stream", fn)
}

// StreamPairing waits on the pairing stream, which ends after
// pairing_complete.
func (c *Client) StreamPairing(ctx context.Context, pairingID string, fn func(StreamEvent)) error {
	return c.streamPath(ctx, "/v1/pairings/"+url.PathEscape(pairingID)+"/stream", fn)
}

func (c *Client) streamPath(ctx context.Context, path string, fn func(StreamEvent)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := newEventScanner(resp.Body)
	for scanner.next() {
		fn(scanner.event)
	}
	if err := scanner.err; err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// eventScanner splits a text/event-stream body into events. Comment lines
// such as heartbeats are skipped and id/retry fields are ignored.
type eventScanner struct {
	reader *bufio.Reader
	event  StreamEvent
	err    error
}

func newEventScanner(r io.Reader) *eventScanner {
	return &eventScanner{reader: bufio.NewReaderSize(r, 64<<10)}
}

func (s *eventScanner) next() bool {
	var (
		eventType string
		data      []string
		hasData   bool
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if !errors.Is(err, io.EOF) {
				s.err = err
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				s.event = StreamEvent{Type: eventType, Data: json.RawMessage(strings.Join(data, "\n"))}
				return true
			}
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
}
