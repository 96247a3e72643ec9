package analysis

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type submissionTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newSubmissionTracker(submissionID string, envRepo env.Repository, logger log.Logger) submissionTracker {
	p := analytics.Properties{
		"submission_id": submissionID,
		"client":        envRepo.Get("ANALYSIS_CLIENT_NAME"),
	}
	return submissionTracker{
		tracker: analytics.NewDefaultTracker(logger, envRepo, p),
		logger:  logger,
	}
}

func (t *submissionTracker) logImageUploaded(uploadTime time.Duration, sizeBytes int64) {
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": sizeBytes,
	}
	t.tracker.Enqueue("analysis_image_uploaded", properties)
}

func (t *submissionTracker) logAnalysisFinished(analysisTime time.Duration, status string) {
	properties := analytics.Properties{
		"analysis_time_s": analysisTime.Truncate(time.Second).Seconds(),
		"status":          status,
	}
	t.tracker.Enqueue("analysis_job_finished", properties)
}

func (t *submissionTracker) wait() {
	t.tracker.Wait()
}
