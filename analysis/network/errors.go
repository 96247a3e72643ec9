package network

import "fmt"

// PresignError means the one-time write grant could not be acquired. It
// aborts the submission before any bytes are sent and is never retried.
type PresignError struct {
	Err error
}

func (e *PresignError) Error() string {
	return fmt.Sprintf("presign upload: %s", e.Err)
}

func (e *PresignError) Unwrap() error {
	return e.Err
}

// UploadError means the direct write to storage failed. No job is started
// for a file that failed to land; a re-upload needs a fresh presign since
// the grant is single-use.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload image: %s", e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// JobStartError means the analysis job could not be registered. No job
// identity exists when this is returned.
type JobStartError struct {
	Err error
}

func (e *JobStartError) Error() string {
	return fmt.Sprintf("start analysis job: %s", e.Err)
}

func (e *JobStartError) Unwrap() error {
	return e.Err
}

// ResultFetchError means the job completed but its study result could not
// be retrieved. Distinct from a job failure: the analysis succeeded and the
// fetch can be retried independently.
type ResultFetchError struct {
	StudyID string
	Err     error
}

func (e *ResultFetchError) Error() string {
	return fmt.Sprintf("fetch study %s: %s", e.StudyID, e.Err)
}

func (e *ResultFetchError) Unwrap() error {
	return e.Err
}
