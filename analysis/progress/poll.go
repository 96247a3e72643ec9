package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultPollInterval is the delay between status requests.
	DefaultPollInterval = 1000 * time.Millisecond
	// DefaultPollAttempts is the hard ceiling of status requests per job.
	DefaultPollAttempts = 60
)

// PollSource requests the job status (GET {base}/api/jobs/{job_id}) at a
// fixed interval up to a fixed number of attempts. Polling is itself the
// retry strategy: individual requests are not retried.
type PollSource struct {
	httpClient *retryablehttp.Client
	baseURL    string
	token      string
	interval   time.Duration
	attempts   int
	logger     log.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewPollSource creates a poll source. Zero interval and attempts select
// the defaults.
func NewPollSource(httpClient *retryablehttp.Client, baseURL string, token string, interval time.Duration, attempts int, logger log.Logger) *PollSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	return &PollSource{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
		interval:   interval,
		attempts:   attempts,
		logger:     logger,
	}
}

// Start begins the poll loop. The returned channel closes after a terminal
// event, after the attempt ceiling is reached, or after Close. A close
// without a terminal event means the ceiling was exhausted or the source
// was cancelled.
func (s *PollSource) Start(ctx context.Context, jobID string) (<-chan Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	events := make(chan Event)
	go s.loop(ctx, jobID, events)

	return events, nil
}

// Close marks the loop for termination. A poll already in flight finishes
// its request; no further ticks are scheduled.
func (s *PollSource) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *PollSource) loop(ctx context.Context, jobID string, events chan<- Event) {
	defer close(events)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for attempt := 0; attempt < s.attempts; attempt++ {
		ev, err := s.fetchStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A failed poll burns an attempt; the next tick tries again.
			s.logger.Warnf("Status request failed (attempt %d/%d): %s", attempt+1, s.attempts, err)
		} else {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Status.Terminal() {
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *PollSource) fetchStatus(ctx context.Context, jobID string) (Event, error) {
	url := fmt.Sprintf("%s/api/jobs/%s", s.baseURL, jobID)
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return Event{}, fmt.Errorf("create status request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.token))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Event{}, fmt.Errorf("get job status: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Printf(err.Error())
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return Event{}, fmt.Errorf("job status returned HTTP %d", resp.StatusCode)
	}

	var snapshot jobSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return Event{}, fmt.Errorf("decode job status: %w", err)
	}

	return snapshot.event(), nil
}
