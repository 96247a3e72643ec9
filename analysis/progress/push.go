package progress

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// PushSource subscribes to the per-job server-sent event stream
// (GET {base}/api/jobs/{job_id}/events).
type PushSource struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     log.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewPushSource creates a push source. If httpClient is nil, a client
// without an overall timeout is used, since the stream stays open for the
// lifetime of the job.
func NewPushSource(httpClient *http.Client, baseURL string, token string, logger log.Logger) *PushSource {
	if httpClient == nil {
		httpClient = streamingHTTPClient()
	}
	return &PushSource{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
		logger:     logger,
	}
}

// Start opens the event stream. An error means the channel could not be
// opened at all and nothing was consumed.
func (s *PushSource) Start(ctx context.Context, jobID string) (<-chan Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	url := fmt.Sprintf("%s/api/jobs/%s/events", s.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.token))
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close() //nolint:errcheck
		cancel()
		return nil, fmt.Errorf("event stream returned HTTP %d", resp.StatusCode)
	}

	events := make(chan Event)
	go s.consume(ctx, resp.Body, events)

	return events, nil
}

// Close tears down the stream. The event channel is closed shortly after.
func (s *PushSource) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *PushSource) consume(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close() //nolint:errcheck

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// Blank line terminates one SSE message.
			done := s.dispatch(ctx, eventName, data.String(), events)
			eventName = ""
			data.Reset()
			if done {
				return
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Comment, used by servers as a keep-alive.
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			eventName = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
		// id and retry fields are not used by this protocol.
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Debugf("Event stream broke: %s", err)
	}
}

// dispatch sends the parsed message to the consumer. It returns true when
// the stream should stop: either a terminal event went out, or the server
// signalled a stream-level error.
func (s *PushSource) dispatch(ctx context.Context, eventName string, data string, events chan<- Event) bool {
	switch eventName {
	case "progress":
		var snapshot jobSnapshot
		if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
			s.logger.Warnf("Skipping malformed progress event: %s", err)
			return false
		}
		ev := snapshot.event()
		select {
		case events <- ev:
		case <-ctx.Done():
			return true
		}
		return ev.Status.Terminal()
	case "error":
		// Stream-level error (e.g. unknown job). Not a job failure: the
		// consumer falls back to polling.
		s.logger.Debugf("Event stream reported an error: %s", data)
		return true
	default:
		return false
	}
}

func splitField(line string) (field, value string) {
	parts := strings.SplitN(line, ":", 2)
	field = parts[0]
	if len(parts) == 2 {
		value = strings.TrimPrefix(parts[1], " ")
	}
	return field, value
}

func streamingHTTPClient() *http.Client {
	return &http.Client{
		// No overall timeout: the stream suspends indefinitely between events.
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
