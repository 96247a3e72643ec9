// Package analysis submits a medical image to the remote analysis service
// and tracks the resulting job to completion: presign, direct-to-storage
// upload, job start, then progress delivery over a push channel with a
// polling fallback, and finally the study result fetch.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/radview-io/go-analysisclient/analysis/network"
	"github.com/radview-io/go-analysisclient/analysis/progress"
)

// ErrAnalysisTimeout means polling exhausted its attempt ceiling without a
// terminal status. Client-enforced, distinct from a server-reported
// failure.
var ErrAnalysisTimeout = errors.New("analysis timed out: no terminal status within the polling ceiling")

// JobFailureError is a terminal failure reported by the analysis service.
// Message carries the server's error verbatim when present.
type JobFailureError struct {
	Message string
}

func (e *JobFailureError) Error() string {
	return e.Message
}

// Secret is a sensitive config value. It is redacted when formatted so it
// can't leak into logs.
type Secret string

const secretRedacted = "[REDACTED]"

func (s Secret) String() string {
	return secretRedacted
}

// SubmitInput is the information that comes from the caller for one
// submission.
type SubmitInput struct {
	Verbose bool
	// ImagePath is the image to analyze: a local path, a file:// URL or a
	// remote http(s) URL that is downloaded first.
	ImagePath   string
	ContentType string
	// ReportText is optional clinical context forwarded to the service.
	ReportText string
	// PollInterval and PollAttempts override the polling fallback defaults
	// (1s interval, 60 attempts). Zero values select the defaults.
	PollInterval time.Duration
	PollAttempts int
}

// Submitter ...
type Submitter interface {
	Submit(ctx context.Context, input SubmitInput) (*network.Study, error)
	Cancel()
}

type submitConfig struct {
	Verbose        bool
	ContentType    string
	ReportText     string
	PollInterval   time.Duration
	PollAttempts   int
	APIBaseURL     Secret
	APIAccessToken Secret
}

type submitter struct {
	envRepo       env.Repository
	logger        log.Logger
	imageProvider ImageProvider
	uploader      network.Uploader
	jobStarter    network.JobStarter
	studyFetcher  network.StudyFetcher
	onUpdate      func(Update)

	// sourceFactories are swapped in tests
	newPushSource func(config submitConfig) progress.Source
	newPollSource func(config submitConfig) progress.Source

	activeMu sync.Mutex
	active   *submission
}

// NewSubmitter creates a new submitter instance. uploader, jobStarter and
// studyFetcher can be nil, unless you want to provide custom
// implementations. onUpdate, if set, receives every visible state and
// progress change; exactly one terminal update fires per submission.
func NewSubmitter(
	envRepo env.Repository,
	logger log.Logger,
	uploader network.Uploader,
	jobStarter network.JobStarter,
	studyFetcher network.StudyFetcher,
	onUpdate func(Update),
) *submitter {
	var uploaderImpl network.Uploader = uploader
	if uploader == nil {
		uploaderImpl = network.DefaultUploader{}
	}
	var jobStarterImpl network.JobStarter = jobStarter
	if jobStarter == nil {
		jobStarterImpl = network.DefaultJobStarter{}
	}
	var studyFetcherImpl network.StudyFetcher = studyFetcher
	if studyFetcher == nil {
		studyFetcherImpl = network.DefaultStudyFetcher{}
	}

	s := &submitter{
		envRepo:       envRepo,
		logger:        logger,
		imageProvider: NewImageProvider(logger),
		uploader:      uploaderImpl,
		jobStarter:    jobStarterImpl,
		studyFetcher:  studyFetcherImpl,
		onUpdate:      onUpdate,
	}
	s.newPushSource = func(config submitConfig) progress.Source {
		return progress.NewPushSource(nil, string(config.APIBaseURL), string(config.APIAccessToken), s.logger)
	}
	s.newPollSource = func(config submitConfig) progress.Source {
		client := retryhttp.NewClient(s.logger)
		client.RetryMax = 0
		return progress.NewPollSource(client, string(config.APIBaseURL), string(config.APIAccessToken),
			config.PollInterval, config.PollAttempts, s.logger)
	}
	return s
}

// Submit runs one submission to a terminal outcome. Starting a new
// submission while a previous one is in flight tears the previous one down
// first: its progress source is closed and its late events are discarded.
//
// On a server-reported failure the error is a *JobFailureError; on a
// polling ceiling ErrAnalysisTimeout; a completed job whose study couldn't
// be fetched returns a *network.ResultFetchError (the analysis itself
// succeeded, the fetch is independently retryable).
func (s *submitter) Submit(ctx context.Context, input SubmitInput) (*network.Study, error) {
	config, err := s.createConfig(input)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inputs: %w", err)
	}
	if config.Verbose {
		s.logger.EnableDebugLog(true)
	}

	sub, ctx := s.beginSubmission(ctx)
	defer sub.closeSource()

	submissionID := uuid.NewString()
	s.logger.Debugf("Submission ID: %s", submissionID)

	tracker := newSubmissionTracker(submissionID, s.envRepo, s.logger)
	defer tracker.wait()

	imagePath, err := s.imageProvider.LocalPath(ctx, input.ImagePath)
	if err != nil {
		sub.finish(StateFailed)
		return nil, fmt.Errorf("resolve image path: %w", err)
	}
	fileInfo, err := os.Stat(imagePath)
	if err != nil {
		sub.finish(StateFailed)
		return nil, fmt.Errorf("stat image: %w", err)
	}
	s.logger.Printf("Image size: %s", units.HumanSizeWithPrecision(float64(fileInfo.Size()), 3))

	sub.setState(StatePresigning)
	ticket, err := s.uploader.Presign(ctx, network.PresignParams{
		APIBaseURL:  string(config.APIBaseURL),
		Token:       string(config.APIAccessToken),
		Filename:    filepath.Base(imagePath),
		ContentType: config.ContentType,
	}, s.logger)
	if err != nil {
		sub.finish(StateFailed)
		return nil, err
	}

	sub.setState(StateUploading)
	s.logger.Infof("Uploading image...")
	uploadStartTime := time.Now()
	err = s.uploader.Upload(ctx, network.UploadParams{
		Ticket:      ticket,
		FilePath:    imagePath,
		ContentType: config.ContentType,
		FileSize:    fileInfo.Size(),
	}, s.logger)
	if err != nil {
		sub.finish(StateFailed)
		return nil, err
	}
	uploadTime := time.Since(uploadStartTime).Round(time.Second)
	tracker.logImageUploaded(uploadTime, fileInfo.Size())
	s.logger.Donef("Image uploaded in %s", uploadTime)

	sub.setState(StateStarting)
	jobID, err := s.jobStarter.StartJob(ctx, network.StartJobParams{
		APIBaseURL: string(config.APIBaseURL),
		Token:      string(config.APIAccessToken),
		StorageKey: ticket.Key,
		ReportText: config.ReportText,
	}, s.logger)
	if err != nil {
		sub.finish(StateFailed)
		return nil, err
	}
	sub.setJob(jobID)

	s.logger.Infof("Tracking analysis job %s...", jobID)
	analysisStartTime := time.Now()
	terminalEvent, err := s.trackJob(ctx, sub, config, jobID)
	if err != nil {
		if errors.Is(err, ErrAnalysisTimeout) {
			sub.finish(StateTimedOut)
		} else {
			sub.finish(StateFailed)
		}
		return nil, err
	}
	analysisTime := time.Since(analysisStartTime).Round(time.Second)
	tracker.logAnalysisFinished(analysisTime, string(terminalEvent.Status))

	if terminalEvent.Status == progress.StatusFailed {
		sub.finish(StateFailed)
		message := terminalEvent.Error
		if message == "" {
			message = "analysis failed"
		}
		return nil, &JobFailureError{Message: message}
	}

	sub.finish(StateCompleted)
	s.logger.Donef("Analysis completed in %s", analysisTime)

	study, err := s.studyFetcher.FetchStudy(ctx, network.FetchStudyParams{
		APIBaseURL: string(config.APIBaseURL),
		Token:      string(config.APIAccessToken),
		StudyID:    terminalEvent.StudyID,
	}, s.logger)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("Study %s has %d findings", study.Study.ID, len(study.Findings))

	return study, nil
}

// Cancel abandons the in-flight submission, if any: its progress source is
// released deterministically and no further updates reach the observer.
func (s *submitter) Cancel() {
	s.activeMu.Lock()
	active := s.active
	s.active = nil
	s.activeMu.Unlock()

	if active != nil {
		active.detach()
	}
}

// trackJob drives the dual-channel progress protocol: push first, polling
// when the push channel can't be opened or breaks before a terminal event.
// Channel switching is invisible to the observer; only the terminal result
// and the monotonicity of progress are externally visible.
func (s *submitter) trackJob(ctx context.Context, sub *submission, config submitConfig, jobID string) (progress.Event, error) {
	sub.setState(StateSubscribing)

	push := s.newPushSource(config)
	events, err := push.Start(ctx, jobID)
	if err != nil {
		s.logger.Debugf("Push channel unavailable, falling back to polling: %s", err)
	} else {
		sub.attachSource(push)
		sub.setState(StateRunning)
		if ev, ok := s.consumeEvents(sub, events); ok {
			return ev, nil
		}
		if ctx.Err() != nil {
			return progress.Event{}, ctx.Err()
		}
		s.logger.Debugf("Push channel closed before a terminal status, falling back to polling")
	}

	poll := s.newPollSource(config)
	events, err = poll.Start(ctx, jobID)
	if err != nil {
		return progress.Event{}, fmt.Errorf("start polling: %w", err)
	}
	sub.attachSource(poll)
	sub.setState(StateRunning)
	if ev, ok := s.consumeEvents(sub, events); ok {
		return ev, nil
	}
	if ctx.Err() != nil {
		return progress.Event{}, ctx.Err()
	}

	return progress.Event{}, ErrAnalysisTimeout
}

// consumeEvents applies events in arrival order until the channel closes.
// ok is true when a terminal event was applied.
func (s *submitter) consumeEvents(sub *submission, events <-chan progress.Event) (progress.Event, bool) {
	for ev := range events {
		if terminal := sub.applyEvent(ev); terminal {
			return ev, true
		}
	}
	return progress.Event{}, false
}

// beginSubmission supersedes any previous submission before creating the
// next one: teardown-before-next-start keeps at most one progress source
// live at a time.
func (s *submitter) beginSubmission(ctx context.Context) (*submission, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	sub := newSubmission(cancel, s.onUpdate)

	s.activeMu.Lock()
	previous := s.active
	s.active = sub
	s.activeMu.Unlock()

	if previous != nil {
		previous.detach()
	}
	return sub, ctx
}

func (s *submitter) createConfig(input SubmitInput) (submitConfig, error) {
	if input.ImagePath == "" {
		return submitConfig{}, fmt.Errorf("image path should not be empty")
	}
	contentType := input.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	apiBaseURL := s.envRepo.Get("ANALYSIS_API_BASE_URL")
	if apiBaseURL == "" {
		return submitConfig{}, fmt.Errorf("the secret 'ANALYSIS_API_BASE_URL' is not defined")
	}
	apiAccessToken := s.envRepo.Get("ANALYSIS_API_ACCESS_TOKEN")
	if apiAccessToken == "" {
		return submitConfig{}, fmt.Errorf("the secret 'ANALYSIS_API_ACCESS_TOKEN' is not defined")
	}

	if input.PollInterval < 0 {
		return submitConfig{}, fmt.Errorf("poll interval should not be negative")
	}
	if input.PollAttempts < 0 {
		return submitConfig{}, fmt.Errorf("poll attempt count should not be negative")
	}

	return submitConfig{
		Verbose:        input.Verbose,
		ContentType:    contentType,
		ReportText:     input.ReportText,
		PollInterval:   input.PollInterval,
		PollAttempts:   input.PollAttempts,
		APIBaseURL:     Secret(apiBaseURL),
		APIAccessToken: Secret(apiAccessToken),
	}, nil
}
