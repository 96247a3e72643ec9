package network

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Presign(t *testing.T) {
	var gotAuth string
	var gotBody presignRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/uploads/presign", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`{"key": "uploads/abc-chest.png", "method": "PUT", "url": "https://store/x"}`))
		require.NoError(t, err)
	}))
	defer server.Close()

	ticket, err := Presign(context.Background(), PresignParams{
		APIBaseURL:  server.URL,
		Token:       "test-token",
		Filename:    "chest.png",
		ContentType: "image/png",
	}, log.NewLogger())

	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, presignRequest{Filename: "chest.png", ContentType: "image/png", UsePost: false}, gotBody)
	assert.Equal(t, UploadTicket{URL: "https://store/x", Key: "uploads/abc-chest.png", Method: "PUT"}, ticket)
}

func Test_Presign_errors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		params   PresignParams
		wantDown bool
	}{
		{
			name: "non-2xx response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", http.StatusForbidden)
			},
		},
		{
			name: "malformed response body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"method": "PUT"}`))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := Presign(context.Background(), PresignParams{
				APIBaseURL:  server.URL,
				Token:       "test-token",
				Filename:    "chest.png",
				ContentType: "image/png",
			}, log.NewLogger())

			require.Error(t, err)
			var presignErr *PresignError
			assert.True(t, errors.As(err, &presignErr))
		})
	}
}

func Test_Presign_emptyConfig(t *testing.T) {
	_, err := Presign(context.Background(), PresignParams{Token: "t"}, log.NewLogger())
	require.Error(t, err)

	_, err = Presign(context.Background(), PresignParams{APIBaseURL: "http://localhost"}, log.NewLogger())
	require.Error(t, err)
}

func Test_Upload(t *testing.T) {
	imagePath := writeTestImage(t, []byte("not really a PNG"))

	var gotMethod, gotContentType string
	var gotLength int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotLength = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := Upload(context.Background(), UploadParams{
		Ticket:      UploadTicket{URL: server.URL, Key: "uploads/abc", Method: "PUT"},
		FilePath:    imagePath,
		ContentType: "image/png",
		FileSize:    int64(len("not really a PNG")),
	}, log.NewLogger())

	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "image/png", gotContentType)
	assert.Equal(t, int64(len("not really a PNG")), gotLength)
}

func Test_Upload_serverError(t *testing.T) {
	imagePath := writeTestImage(t, []byte("payload"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	err := Upload(context.Background(), UploadParams{
		Ticket:      UploadTicket{URL: server.URL, Key: "uploads/abc"},
		FilePath:    imagePath,
		ContentType: "image/png",
		FileSize:    7,
	}, log.NewLogger())

	require.Error(t, err)
	var uploadErr *UploadError
	assert.True(t, errors.As(err, &uploadErr))
}

func Test_StartJob(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/analyze/start", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_, err := w.Write([]byte(`{"job_id": "j1"}`))
		require.NoError(t, err)
	}))
	defer server.Close()

	jobID, err := StartJob(context.Background(), StartJobParams{
		APIBaseURL: server.URL,
		Token:      "test-token",
		StorageKey: "uploads/abc",
	}, log.NewLogger())

	require.NoError(t, err)
	assert.Equal(t, "j1", jobID)
	assert.Equal(t, "uploads/abc", gotBody["s3_key"])
	// empty report text travels as an explicit null
	reportText, present := gotBody["report_text"]
	assert.True(t, present)
	assert.Nil(t, reportText)
}

func Test_StartJob_withReportText(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"job_id": "j2"}`))
	}))
	defer server.Close()

	_, err := StartJob(context.Background(), StartJobParams{
		APIBaseURL: server.URL,
		Token:      "test-token",
		StorageKey: "uploads/abc",
		ReportText: "persistent cough, 3 weeks",
	}, log.NewLogger())

	require.NoError(t, err)
	assert.Equal(t, "persistent cough, 3 weeks", gotBody["report_text"])
}

func Test_StartJob_failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := StartJob(context.Background(), StartJobParams{
		APIBaseURL: server.URL,
		Token:      "test-token",
		StorageKey: "uploads/abc",
	}, log.NewLogger())

	require.Error(t, err)
	var startErr *JobStartError
	assert.True(t, errors.As(err, &startErr))
}

func writeTestImage(t *testing.T, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.png")
	require.NoError(t, os.WriteFile(path, contents, 0600))
	return path
}
