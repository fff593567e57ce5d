package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/ci-runner/internal/logstream"
	"github.com/cuemby/ci-runner/internal/security"
	"github.com/cuemby/ci-runner/internal/stash"
	"github.com/cuemby/ci-runner/internal/store"
	"github.com/cuemby/ci-runner/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler http.Handler
	store   store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	spool, err := stash.New(t.TempDir())
	require.NoError(t, err)

	h := New(Config{}, st, logstream.NewRegistry(), spool)
	return &testServer{handler: h, store: st}
}

func (ts *testServer) createUserAndKey(t *testing.T, active bool) (userID, plaintext string) {
	t.Helper()
	userID, plaintext, _ = ts.createKeyRecord(t, active)
	return userID, plaintext
}

func (ts *testServer) do(t *testing.T, method, path, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, body)
		r.Header.Set("Content-Type", contentType)
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func TestHealthz_RequiresNoAuth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_MissingBearerRejected(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/jobs", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_UnknownKeyRejected(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/jobs", "ci_bogus", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_RevokedKeyRejected(t *testing.T) {
	ts := newTestServer(t)
	_, plain, key := ts.createKeyRecord(t, true)
	require.NoError(t, ts.store.RevokeAPIKey(key.ID))

	w := ts.do(t, http.MethodGet, "/jobs", plain, nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_InactiveUserRejected(t *testing.T) {
	ts := newTestServer(t)
	_, plain := ts.createUserAndKey(t, false)

	w := ts.do(t, http.MethodGet, "/jobs", plain, nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmitAsync_CreatesQueuedJob(t *testing.T) {
	ts := newTestServer(t)
	_, plain := ts.createUserAndKey(t, true)

	body, contentType := multipartZip(t)
	w := ts.do(t, http.MethodPost, "/submit-async", plain, body, contentType)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])

	job, err := ts.store.GetJob(resp["job_id"], "")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.JobStatusQueued, job.Status)
}

func TestGetJob_NotOwnedReturns404(t *testing.T) {
	ts := newTestServer(t)
	_, plainA := ts.createUserAndKey(t, true)
	_, plainB := ts.createUserAndKey(t, true)

	body, contentType := multipartZip(t)
	w := ts.do(t, http.MethodPost, "/submit-async", plainA, body, contentType)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w2 := ts.do(t, http.MethodGet, "/jobs/"+resp["job_id"], plainB, nil, "")
	assert.Equal(t, http.StatusNotFound, w2.Code)
}

func TestListJobs_ScopedToCaller(t *testing.T) {
	ts := newTestServer(t)
	_, plainA := ts.createUserAndKey(t, true)
	_, plainB := ts.createUserAndKey(t, true)

	body, contentType := multipartZip(t)
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/submit-async", plainA, body, contentType).Code)

	w := ts.do(t, http.MethodGet, "/jobs", plainB, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var jobs []*types.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Empty(t, jobs)
}

func (ts *testServer) createKeyRecord(t *testing.T, active bool) (userID, plaintext string, key *types.APIKey) {
	t.Helper()
	u := &types.User{ID: uuid.NewString(), Name: "test", Email: uuid.NewString() + "@example.com", CreatedAt: time.Now().UTC(), IsActive: active}
	require.NoError(t, ts.store.CreateUser(u))

	plain, hash, err := security.GenerateAPIKey()
	require.NoError(t, err)
	k := &types.APIKey{ID: uuid.NewString(), UserID: u.ID, Name: "ci", KeyHash: hash, CreatedAt: time.Now().UTC(), IsActive: true}
	require.NoError(t, ts.store.CreateAPIKey(k))

	return u.ID, plain, k
}

func TestJobStream_TerminalJobNeverReturns404(t *testing.T) {
	ts := newTestServer(t)
	userID, plain := ts.createUserAndKey(t, true)

	job := &types.Job{ID: uuid.NewString(), UserID: userID, ZipFilePath: "unused.zip"}
	require.NoError(t, ts.store.CreateJob(job))
	require.NoError(t, ts.store.UpdateJobStatus(job.ID, types.JobStatusRunning, nil, "c1"))
	require.NoError(t, ts.store.AppendJobEvent(&types.JobEvent{JobID: job.ID, Sequence: 1, Type: types.EventTypeLog, Data: "building\n", Timestamp: time.Now().UTC()}))
	require.NoError(t, ts.store.CompleteJob(job.ID, true, time.Now().UTC()))

	w := ts.do(t, http.MethodGet, "/jobs/"+job.ID+"/stream?from_beginning=true", plain, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"complete"`)
	assert.Contains(t, w.Body.String(), `"success":true`)

	events, err := ts.store.ListJobEvents(job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1, "the full transcript stays available via GET /jobs/{id}/events")
}

func multipartZip(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("project", "project.zip")
	require.NoError(t, err)
	_, err = part.Write([]byte("not a real zip, stash does not validate contents"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}
