package analysis

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/radview-io/go-analysisclient/analysis/network"
	"github.com/radview-io/go-analysisclient/analysis/progress"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

func testEnvRepo() fakeEnvRepo {
	return fakeEnvRepo{envVars: map[string]string{
		"ANALYSIS_API_BASE_URL":     "https://analysis.example.com",
		"ANALYSIS_API_ACCESS_TOKEN": "fake access token",
	}}
}

type fakeUploader struct {
	ticket     network.UploadTicket
	presignErr error
	uploadErr  error

	presignCalls int
	uploadCalls  int
}

func (u *fakeUploader) Presign(ctx context.Context, params network.PresignParams, logger log.Logger) (network.UploadTicket, error) {
	u.presignCalls++
	if u.presignErr != nil {
		return network.UploadTicket{}, u.presignErr
	}
	return u.ticket, nil
}

func (u *fakeUploader) Upload(ctx context.Context, params network.UploadParams, logger log.Logger) error {
	u.uploadCalls++
	return u.uploadErr
}

type fakeJobStarter struct {
	jobID string
	err   error
	calls int
}

func (s *fakeJobStarter) StartJob(ctx context.Context, params network.StartJobParams, logger log.Logger) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.jobID, nil
}

type fakeStudyFetcher struct {
	study *network.Study
	err   error
	calls int
}

func (f *fakeStudyFetcher) FetchStudy(ctx context.Context, params network.FetchStudyParams, logger log.Logger) (*network.Study, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.study, nil
}

// scriptedSource plays back a fixed sequence of events, then closes the
// channel.
type scriptedSource struct {
	events   []progress.Event
	startErr error

	mu         sync.Mutex
	closeCalls int
}

func (s *scriptedSource) Start(ctx context.Context, jobID string) (<-chan progress.Event, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	ch := make(chan progress.Event)
	go func() {
		defer close(ch)
		for _, ev := range s.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *scriptedSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
}

func (s *scriptedSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// blockingSource emits one running event and then suspends until the
// submission context is cancelled.
type blockingSource struct {
	started chan struct{}

	mu         sync.Mutex
	closeCalls int
}

func newBlockingSource() *blockingSource {
	return &blockingSource{started: make(chan struct{})}
}

func (s *blockingSource) Start(ctx context.Context, jobID string) (<-chan progress.Event, error) {
	ch := make(chan progress.Event)
	go func() {
		defer close(ch)
		select {
		case ch <- progress.Event{JobID: jobID, Status: progress.StatusRunning, Progress: 10}:
			close(s.started)
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func (s *blockingSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
}

func (s *blockingSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// updateRecorder collects observer updates safely across goroutines.
type updateRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *updateRecorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *updateRecorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, len(r.updates))
	copy(out, r.updates)
	return out
}

func (r *updateRecorder) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.updates {
		if u.State.Terminal() {
			n++
		}
	}
	return n
}
