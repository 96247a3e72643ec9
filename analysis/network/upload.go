package network

import (
	"context"
	"fmt"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
)

// UploadTicket is the one-shot write grant returned by the presign
// endpoint. It is consumed by exactly one upload and then discarded; the
// grant is time-limited and single-use.
type UploadTicket struct {
	URL    string
	Key    string
	Method string
}

// PresignParams ...
type PresignParams struct {
	APIBaseURL  string
	Token       string
	Filename    string
	ContentType string
}

// UploadParams ...
type UploadParams struct {
	Ticket      UploadTicket
	FilePath    string
	ContentType string
	FileSize    int64
}

// StartJobParams ...
type StartJobParams struct {
	APIBaseURL string
	Token      string
	StorageKey string
	// ReportText is optional clinical context attached to the job.
	ReportText string
}

// Presign requests a one-time write grant for the named file. The request
// is not retried: a presign failure aborts the submission before any bytes
// move.
func Presign(ctx context.Context, params PresignParams, logger log.Logger) (UploadTicket, error) {
	if params.APIBaseURL == "" {
		return UploadTicket{}, &PresignError{Err: fmt.Errorf("API base URL is empty")}
	}
	if params.Token == "" {
		return UploadTicket{}, &PresignError{Err: fmt.Errorf("API token is empty")}
	}

	client := newAPIClient(noRetryClient(logger), params.APIBaseURL, params.Token, logger)

	logger.Debugf("Get upload grant for %s", params.Filename)
	resp, err := client.presign(ctx, presignRequest{
		Filename:    params.Filename,
		ContentType: params.ContentType,
		UsePost:     false,
	})
	if err != nil {
		return UploadTicket{}, &PresignError{Err: err}
	}
	logger.Debugf("Storage key: %s", resp.Key)

	return UploadTicket{
		URL:    resp.URL,
		Key:    resp.Key,
		Method: resp.Method,
	}, nil
}

// Upload streams the file's bytes to the presigned location, bypassing the
// analysis service. A single write, no retry: a failed upload needs a fresh
// presign.
func Upload(ctx context.Context, params UploadParams, logger log.Logger) error {
	file, err := os.Open(params.FilePath)
	if err != nil {
		return &UploadError{Err: fmt.Errorf("open file: %w", err)}
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			logger.Errorf("failed to close file: %s", err)
		}
	}(file)

	client := newAPIClient(noRetryClient(logger), "", "", logger)

	logger.Debugf("Upload image to storage")
	err = client.uploadFile(ctx, params.Ticket, file, params.FileSize, params.ContentType)
	if err != nil {
		return &UploadError{Err: err}
	}

	return nil
}

// StartJob registers an analysis job referencing the uploaded object. This
// is the first point at which the job identity exists.
func StartJob(ctx context.Context, params StartJobParams, logger log.Logger) (string, error) {
	if params.StorageKey == "" {
		return "", &JobStartError{Err: fmt.Errorf("storage key is empty")}
	}

	client := newAPIClient(noRetryClient(logger), params.APIBaseURL, params.Token, logger)

	var reportText *string
	if params.ReportText != "" {
		reportText = &params.ReportText
	}

	logger.Debugf("Start analysis job")
	jobID, err := client.startJob(ctx, startJobRequest{
		S3Key:      params.StorageKey,
		ReportText: reportText,
	})
	if err != nil {
		return "", &JobStartError{Err: err}
	}
	logger.Debugf("Job ID: %s", jobID)

	return jobID, nil
}
