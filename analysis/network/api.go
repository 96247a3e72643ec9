package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

type presignRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	UsePost     bool   `json:"use_post"`
}

type presignResponse struct {
	Key    string `json:"key"`
	Method string `json:"method"`
	URL    string `json:"url"`
}

type startJobRequest struct {
	S3Key      string  `json:"s3_key"`
	ReportText *string `json:"report_text"`
}

type startJobResponse struct {
	JobID opaqueID `json:"job_id"`
}

type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) apiClient {
	return apiClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// noRetryClient builds a client that fails fast. Presign, direct upload and
// job start must not be retried automatically: the presigned grant is
// single-use and a duplicate job start would register a second job.
func noRetryClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = 0
	return client
}

func (c apiClient) presign(ctx context.Context, requestBody presignRequest) (presignResponse, error) {
	url := fmt.Sprintf("%s/api/uploads/presign", c.baseURL)

	body, err := json.Marshal(requestBody)
	if err != nil {
		return presignResponse{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return presignResponse{}, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return presignResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return presignResponse{}, unwrapError(resp)
	}

	var response presignResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return presignResponse{}, err
	}
	if response.URL == "" || response.Key == "" {
		return presignResponse{}, fmt.Errorf("malformed presign response: missing url or key")
	}

	return response, nil
}

// uploadFile performs the single direct write to the presigned location.
// Data bypasses the analysis service entirely.
func (c apiClient) uploadFile(ctx context.Context, ticket UploadTicket, data io.ReadSeeker, size int64, contentType string) error {
	method := ticket.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := retryablehttp.NewRequest(method, ticket.URL, data)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", contentType)
	// retryablehttp doesn't set Content-Length for ReadSeeker bodies
	req.ContentLength = size

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	return nil
}

func (c apiClient) startJob(ctx context.Context, requestBody startJobRequest) (string, error) {
	url := fmt.Sprintf("%s/api/analyze/start", c.baseURL)

	body, err := json.Marshal(requestBody)
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return "", err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", unwrapError(resp)
	}

	var response startJobResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return "", err
	}
	if response.JobID == "" {
		return "", fmt.Errorf("malformed job start response: missing job_id")
	}

	return response.JobID.String(), nil
}

func (c apiClient) fetchStudy(ctx context.Context, studyID string) (*Study, error) {
	url := fmt.Sprintf("%s/api/studies/%s", c.baseURL, studyID)

	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var study Study
	err = json.NewDecoder(resp.Body).Decode(&study)
	if err != nil {
		return nil, err
	}

	return &study, nil
}

func (c apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
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
