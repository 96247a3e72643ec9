package network

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Uploader hands the image to storage: acquire a one-time write grant,
// then write the bytes directly to the granted location.
type Uploader interface {
	Presign(context.Context, PresignParams, log.Logger) (UploadTicket, error)
	Upload(context.Context, UploadParams, log.Logger) error
}

// JobStarter registers an analysis job for an object already in storage.
type JobStarter interface {
	StartJob(context.Context, StartJobParams, log.Logger) (string, error)
}

// StudyFetcher retrieves the structured result of a completed job.
type StudyFetcher interface {
	FetchStudy(context.Context, FetchStudyParams, log.Logger) (*Study, error)
}

// DefaultUploader ...
type DefaultUploader struct{}

// Presign ...
func (u DefaultUploader) Presign(ctx context.Context, params PresignParams, logger log.Logger) (UploadTicket, error) {
	return Presign(ctx, params, logger)
}

// Upload ...
func (u DefaultUploader) Upload(ctx context.Context, params UploadParams, logger log.Logger) error {
	return Upload(ctx, params, logger)
}

// DefaultJobStarter ...
type DefaultJobStarter struct{}

// StartJob ...
func (s DefaultJobStarter) StartJob(ctx context.Context, params StartJobParams, logger log.Logger) (string, error) {
	return StartJob(ctx, params, logger)
}

// DefaultStudyFetcher ...
type DefaultStudyFetcher struct{}

// FetchStudy ...
func (f DefaultStudyFetcher) FetchStudy(ctx context.Context, params FetchStudyParams, logger log.Logger) (*Study, error) {
	return FetchStudy(ctx, params, logger)
}
