// Package progress delivers status events for a running analysis job.
// Two interchangeable sources exist: a push source reading the per-job
// server-sent event stream, and a poll source issuing status requests at a
// fixed interval. The submission coordinator owns which one is active.
package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Status is the server-reported lifecycle state of a job.
type Status string

// Job statuses as reported by the analysis service.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status transitions are valid.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event is a single progress update for a job. Events may arrive duplicated
// or out of order; the consumer is responsible for reconciliation.
type Event struct {
	JobID    string
	Status   Status
	Progress int
	Error    string
	// StudyID is set on the terminal completed event.
	StudyID string
}

// Source delivers events for a single job until a terminal status is
// observed or the source gives up.
//
// Start returns a channel that carries events in arrival order. The channel
// is closed when a terminal event has been delivered, when the underlying
// channel breaks, or when the source is closed. A channel closed without a
// terminal event means the source could not finish the job: the caller
// decides whether to fall back to another source or give up.
//
// Close releases the source. It is safe to call multiple times and from a
// different goroutine than the one consuming events.
type Source interface {
	Start(ctx context.Context, jobID string) (<-chan Event, error)
	Close()
}

// jobSnapshot is the wire shape shared by the poll endpoint and the SSE
// event payload.
type jobSnapshot struct {
	ID       opaqueID   `json:"id"`
	Status   string     `json:"status"`
	Progress int        `json:"progress"`
	Error    string     `json:"error"`
	Result   *jobResult `json:"result"`
}

type jobResult struct {
	StudyID opaqueID `json:"study_id"`
}

func (s jobSnapshot) event() Event {
	ev := Event{
		JobID:    s.ID.String(),
		Status:   Status(s.Status),
		Progress: s.Progress,
		Error:    s.Error,
	}
	if s.Result != nil {
		ev.StudyID = s.Result.StudyID.String()
	}
	return ev
}

// opaqueID is an identifier the service may encode as a JSON string or
// number. It is never interpreted, only carried.
type opaqueID string

func (id opaqueID) String() string {
	return string(id)
}

func (id *opaqueID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshal id: %w", err)
		}
		*id = opaqueID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("unmarshal id: %w", err)
	}
	*id = opaqueID(n.String())
	return nil
}

func (id opaqueID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(id))), nil
}
