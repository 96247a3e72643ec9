package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// Study is the structured analysis result: study metadata, the ordered
// findings detected in the image and any generated reports. Immutable once
// fetched; owned by the caller.
type Study struct {
	Study StudyMeta `json:"study"`
	// ImageURL is a presigned read URL for the analyzed image, when the
	// service provides one.
	ImageURL string    `json:"image_url"`
	Findings []Finding `json:"findings"`
	Reports  []Report  `json:"reports"`
}

// StudyMeta ...
type StudyMeta struct {
	ID         opaqueID `json:"id"`
	PatientID  opaqueID `json:"patient_id"`
	Modality   string   `json:"modality"`
	ImageS3Key string   `json:"image_s3_key"`
	CreatedAt  string   `json:"created_at"`
}

// Finding is a single detection, ordered by the service.
type Finding struct {
	ID           opaqueID     `json:"id"`
	Label        string       `json:"label"`
	Confidence   float64      `json:"confidence"`
	ModelName    string       `json:"model_name"`
	ModelVersion string       `json:"model_version"`
	BBox         *BoundingBox `json:"bbox"`
}

// BoundingBox locates a finding within the image, in pixel coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Report is a generated report attached to the study.
type Report struct {
	ID           opaqueID `json:"id"`
	Text         string   `json:"text"`
	SummaryModel string   `json:"summary_model"`
}

// FetchStudyParams ...
type FetchStudyParams struct {
	APIBaseURL string
	Token      string
	StudyID    string
}

// DownloadImageParams ...
type DownloadImageParams struct {
	// URL is the presigned read URL from Study.ImageURL.
	URL string
	// DownloadPath is the local destination file.
	DownloadPath string
}

// FetchStudy retrieves the full study by its identifier. The default retry
// policy applies: the job already succeeded, so transient failures here are
// worth retrying.
func FetchStudy(ctx context.Context, params FetchStudyParams, logger log.Logger) (*Study, error) {
	if params.StudyID == "" {
		return nil, &ResultFetchError{Err: fmt.Errorf("study ID is empty")}
	}

	client := newAPIClient(retryhttp.NewClient(logger), params.APIBaseURL, params.Token, logger)

	logger.Debugf("Fetch study %s", params.StudyID)
	study, err := client.fetchStudy(ctx, params.StudyID)
	if err != nil {
		return nil, &ResultFetchError{StudyID: params.StudyID, Err: err}
	}
	logger.Debugf("Study has %d findings", len(study.Findings))

	return study, nil
}

// DownloadImage downloads the analyzed image over its presigned read URL.
func DownloadImage(ctx context.Context, params DownloadImageParams, logger log.Logger) error {
	if params.URL == "" {
		return fmt.Errorf("image URL is empty")
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)

	logger.Debugf("Download study image")
	err := downloadFile(ctx, retryableHTTPClient.StandardClient(), params.URL, params.DownloadPath)
	if err != nil {
		return fmt.Errorf("failed to download image: %w", err)
	}

	return nil
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
