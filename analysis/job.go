package analysis

import (
	"context"
	"sync"

	"github.com/radview-io/go-analysisclient/analysis/progress"
)

// State is the client-visible phase of a submission.
type State string

// Submission states. A submission moves forward through the pipeline
// states and ends in exactly one of the terminal states.
const (
	StateIdle        State = "idle"
	StatePresigning  State = "presigning"
	StateUploading   State = "uploading"
	StateStarting    State = "starting"
	StateSubscribing State = "subscribing"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateTimedOut    State = "timed_out"
)

// Terminal reports whether the submission is finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// AnalysisJob is the client-side snapshot of a server job. It is mutated
// only by progress events, and only forward: progress never decreases and
// the first terminal status wins.
type AnalysisJob struct {
	JobID    string
	Status   progress.Status
	Progress int
	Error    string
	StudyID  string
}

// Update is delivered to the submission observer on every visible change.
type Update struct {
	State State
	Job   AnalysisJob
}

// statusRank orders non-terminal statuses so a stale "queued" cannot
// overwrite "running". Terminal statuses are handled separately: they
// always win.
func statusRank(s progress.Status) int {
	switch s {
	case progress.StatusQueued:
		return 0
	case progress.StatusRunning:
		return 1
	default:
		return -1
	}
}

// submission is one in-flight submission: its state, job snapshot and the
// single active progress source. Events arrive from the consuming
// goroutine while Cancel may run from another, hence the mutex. A detached
// submission (superseded or cancelled) stops notifying its observer; its
// late events are discarded.
type submission struct {
	mu       sync.Mutex
	state    State
	job      AnalysisJob
	source   progress.Source
	cancel   context.CancelFunc
	detached bool
	onUpdate func(Update)
}

func newSubmission(cancel context.CancelFunc, onUpdate func(Update)) *submission {
	return &submission{
		state:    StateIdle,
		cancel:   cancel,
		onUpdate: onUpdate,
	}
}

func (s *submission) setState(state State) {
	s.mu.Lock()
	if s.detached || s.state == state || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	update := Update{State: s.state, Job: s.job}
	notify := s.onUpdate
	s.mu.Unlock()

	if notify != nil {
		notify(update)
	}
}

// setJob records the newly created job identity (queued, zero progress).
func (s *submission) setJob(jobID string) {
	s.mu.Lock()
	s.job = AnalysisJob{JobID: jobID, Status: progress.StatusQueued}
	s.mu.Unlock()
}

// applyEvent reconciles one progress event into the job snapshot. New
// progress replaces the current value only if numerically >= it; a
// terminal status always wins regardless of numeric progress. Events after
// a terminal status are discarded. Returns whether the event was terminal.
func (s *submission) applyEvent(ev progress.Event) bool {
	s.mu.Lock()

	if s.job.Status.Terminal() || s.detached {
		s.mu.Unlock()
		return false
	}
	if ev.JobID != "" && s.job.JobID != "" && ev.JobID != s.job.JobID {
		s.mu.Unlock()
		return false
	}

	changed := false
	terminal := ev.Status.Terminal()
	if terminal {
		s.job.Status = ev.Status
		s.job.Error = ev.Error
		if ev.StudyID != "" {
			s.job.StudyID = ev.StudyID
		}
		if ev.Progress > s.job.Progress {
			s.job.Progress = ev.Progress
		}
		changed = true
	} else {
		if ev.Progress >= s.job.Progress && ev.Progress != s.job.Progress {
			s.job.Progress = ev.Progress
			changed = true
		}
		if statusRank(ev.Status) > statusRank(s.job.Status) {
			s.job.Status = ev.Status
			changed = true
		}
	}

	update := Update{State: s.state, Job: s.job}
	notify := s.onUpdate
	s.mu.Unlock()

	if changed && notify != nil {
		notify(update)
	}
	return terminal
}

// attachSource makes src the single active progress source, tearing down
// any previous one first. The source handle is owned exclusively here;
// closeSource is the only close entry point.
func (s *submission) attachSource(src progress.Source) {
	s.mu.Lock()
	previous := s.source
	s.source = src
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
}

func (s *submission) closeSource() {
	s.mu.Lock()
	source := s.source
	s.source = nil
	s.mu.Unlock()

	if source != nil {
		source.Close()
	}
}

// finish moves the submission into a terminal state. Exactly one terminal
// notification fires per submission; later calls are no-ops.
func (s *submission) finish(state State) bool {
	s.mu.Lock()
	if s.detached || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = state
	update := Update{State: s.state, Job: s.job}
	notify := s.onUpdate
	s.mu.Unlock()

	if notify != nil {
		notify(update)
	}
	return true
}

// detach cancels the submission and releases its progress source. Used
// when a newer submission supersedes this one or the caller cancels: the
// observer hears nothing further from this submission.
func (s *submission) detach() {
	s.mu.Lock()
	alreadyDetached := s.detached
	s.detached = true
	s.mu.Unlock()

	if alreadyDetached {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.closeSource()
}

func (s *submission) snapshot() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Update{State: s.state, Job: s.job}
}
