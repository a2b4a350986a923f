package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"horse.fit/pulse/internal/ingest"
	"horse.fit/pulse/internal/queue"
	"horse.fit/pulse/internal/tasks"
)

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, tokenHash string) (http.Handler, *queue.Memory) {
	t.Helper()
	mem := queue.NewMemory(queue.MemoryOptions{Backoff: queue.NewBackoff(time.Millisecond, time.Millisecond)})
	p := tasks.New(mem, tasks.Deps{}, zerolog.Nop(), tasks.Options{MaxRetries: 1})
	srv := NewServer(p, mem, zerolog.Nop(), Options{TokenHash: tokenHash, UploadMaxBytes: 4096})
	return srv.Handler(), mem
}

func do(t *testing.T, h http.Handler, method, path, contentType string, body []byte, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func acceptedJob(t *testing.T, env envelope) acceptedResponse {
	t.Helper()
	var out acceptedResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.NotEmpty(t, out.JobID)
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, "$2a$04$invalidinvalidinvalidinvalidinvalidinvalidinvalidinv")
	rec, env := do(t, h, http.MethodGet, "/api/v1/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)
}

func TestIngestURLAccepted(t *testing.T) {
	t.Parallel()

	h, mem := newTestServer(t, "")
	rec, env := do(t, h, http.MethodPost, "/api/v1/ingest/url", "application/json",
		[]byte(`{"url":"https://example.com/post","team_id":"team-a"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	out := acceptedJob(t, env)
	assert.Equal(t, tasks.ManualURL, out.Task)

	job, err := mem.Get(t.Context(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, tasks.ManualURL, job.Name)
	assert.Equal(t, queue.StateCreated, job.State)
	assert.NotEmpty(t, job.RunID)
	assert.JSONEq(t, `{"url":"https://example.com/post","team_id":"team-a"}`, string(job.Payload))
}

func TestIngestURLRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"bad url", `{"url":"not a url"}`},
		{"missing url", `{"title":"x"}`},
		{"unknown field", `{"url":"https://example.com","extra":1}`},
		{"empty team", `{"url":"https://example.com","team_id":""}`},
		{"empty body", ``},
		{"malformed", `{"url":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h, mem := newTestServer(t, "")
			rec, env := do(t, h, http.MethodPost, "/api/v1/ingest/url", "application/json", []byte(tt.body), nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "fail", env.Status)
			assert.Contains(t, string(env.Data), "validation_errors")
			assert.Empty(t, mem.Jobs())
		})
	}
}

func TestBearerTokenRequired(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)
	h, mem := newTestServer(t, string(hash))
	body := []byte(`{"url":"https://example.com/a"}`)

	rec, _ := do(t, h, http.MethodPost, "/api/v1/ingest/url", "application/json", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	rec, _ = do(t, h, http.MethodPost, "/api/v1/ingest/url", "application/json", body,
		map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, mem.Jobs())

	rec, _ = do(t, h, http.MethodPost, "/api/v1/ingest/url", "application/json", body,
		map[string]string{"Authorization": "Bearer letmein"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, mem.Jobs(), 1)
}

func TestIngestUploadMultipart(t *testing.T) {
	t.Parallel()

	h, mem := newTestServer(t, "")
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "links.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("# weekly links\nhttps://example.com/a\n\nhttps://example.com/b\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec, env := do(t, h, http.MethodPost, "/api/v1/ingest/upload", w.FormDataContentType(), buf.Bytes(), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	out := acceptedJob(t, env)

	job, err := mem.Get(t.Context(), out.JobID)
	require.NoError(t, err)
	var payload ingest.UploadRequest
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "links.txt", payload.Name)
	assert.Equal(t, ingest.FormatLines, payload.Format)
	require.Len(t, payload.Items, 2)
	assert.Equal(t, "https://example.com/b", payload.Items[1].URL)
}

func TestIngestUploadValidation(t *testing.T) {
	t.Parallel()

	h, mem := newTestServer(t, "")
	rec, _ := do(t, h, http.MethodPost, "/api/v1/ingest/upload", "application/json", []byte(`{"name":"nothing"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	large := `{"items":[{"url":"https://example.com/` + strings.Repeat("a", 5000) + `"}]}`
	rec, _ = do(t, h, http.MethodPost, "/api/v1/ingest/upload", "application/json", []byte(large), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	assert.Empty(t, mem.Jobs())
}

func TestIngestSourceIsSingleton(t *testing.T) {
	t.Parallel()

	h, mem := newTestServer(t, "")
	rec, _ := do(t, h, http.MethodPost, "/api/v1/sources/abc/ingest", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, first := do(t, h, http.MethodPost, "/api/v1/sources/7/ingest", "", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec, second := do(t, h, http.MethodPost, "/api/v1/sources/7/ingest", "", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, acceptedJob(t, first).JobID, acceptedJob(t, second).JobID)
	assert.Len(t, mem.Jobs(), 1)
}

func TestReanalyze(t *testing.T) {
	t.Parallel()

	h, mem := newTestServer(t, "")
	rec, env := do(t, h, http.MethodPost, "/api/v1/stories/42/reanalyze", "application/json", []byte(`{"team_id":"t1"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	out := acceptedJob(t, env)
	assert.Equal(t, tasks.FanOut, out.Task)

	job, err := mem.Get(t.Context(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StoryKey(42, ptr("t1")), job.SingletonKey)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/stories/43/reanalyze", "", nil, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/stories/0/reanalyze", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobShowAndCancel(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, "")
	_, env := do(t, h, http.MethodPost, "/api/v1/ingest/url", "application/json", []byte(`{"url":"https://example.com/c"}`), nil)
	id := acceptedJob(t, env).JobID

	rec, env := do(t, h, http.MethodGet, "/api/v1/jobs/"+id, "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record queue.Record
	require.NoError(t, json.Unmarshal(env.Data, &record))
	assert.Equal(t, queue.StateCreated, record.State)
	assert.Equal(t, tasks.ManualURL, record.Name)

	rec, env = do(t, h, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &record))
	assert.Equal(t, queue.StateCancelled, record.State)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/jobs/missing", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/api/v1/jobs/missing/cancel", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func ptr(s string) *string { return &s }
