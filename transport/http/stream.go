package http

import (
	"bufio"
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// EventSettings announces that a newer settings document is available.
	EventSettings = "settings"

	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// StreamEvent is one server-sent event from /v1/stream.
type StreamEvent struct {
	EventID int64
	Type    string
	Data    string
}

// Stream connects to the SSE stream and emits events on the returned channel.
// The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan StreamEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.send(c.streamClient, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// 1 MiB buffer for large data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// Invalidations keeps a stream open until ctx is done, reconnecting with
// backoff, and signals once per settings event. Signals coalesce when the
// receiver is busy. The channel is closed when ctx is done.
func (c *Client) Invalidations(ctx context.Context, logger *slog.Logger) <-chan struct{} {
	if logger == nil {
		logger = slog.Default()
	}

	signals := make(chan struct{}, 1)
	go func() {
		defer close(signals)

		var lastEventID int64
		delay := minReconnectDelay
		for {
			events, err := c.Stream(ctx, lastEventID)
			if err == nil {
				delay = minReconnectDelay
				for ev := range events {
					if ev.EventID > 0 {
						lastEventID = ev.EventID
					}
					if ev.Type != EventSettings {
						continue
					}
					select {
					case signals <- struct{}{}:
					default:
					}
				}
			} else if ctx.Err() == nil {
				logger.Warn("settings stream connect failed", "error", err, "retry_in", delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			delay = min(delay*2, maxReconnectDelay)
		}
	}()
	return signals
}

// parseSSE reads SSE lines from r and sends parsed events to ch. It handles
// the id, event and data fields, blank-line dispatch and multi-line data.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- StreamEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(dataLines) > 0 {
				ev := StreamEvent{EventID: eventID, Type: eventType, Data: strings.Join(dataLines, "\n")}
				if ev.Type == "" {
					ev.Type = "message"
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil && id >= 0 {
				eventID = id
			}
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
