package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/activity"
	"autopilot/internal/eventlog"
	"autopilot/internal/model"
)

type fakeState struct{ snap *model.WorkflowState }

func (f *fakeState) Snapshot() *model.WorkflowState { return f.snap }

type fakeBroker struct {
	pending map[string]*model.Question
	submits map[string]map[string]string
}

func (f *fakeBroker) GetPendingByID(id string) *model.Question { return f.pending[id] }

func (f *fakeBroker) SubmitAnswer(id string, answers map[string]string) bool {
	if _, ok := f.pending[id]; !ok {
		return false
	}
	if f.submits == nil {
		f.submits = map[string]map[string]string{}
	}
	f.submits[id] = answers
	delete(f.pending, id)
	return true
}

func newTestServer(t *testing.T) (*Server, *fakeBroker) {
	t.Helper()
	dir := t.TempDir()
	act, err := activity.Open(filepath.Join(dir, "activity.json"), filepath.Join(dir, "activity.db"), 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = act.Close() })

	eventsPath := filepath.Join(dir, "events.ndjson")
	w, err := eventlog.NewWriter(eventsPath)
	require.NoError(t, err)
	_, err = w.Write("boot", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	state := &fakeState{snap: model.Fresh()}
	fb := &fakeBroker{pending: map[string]*model.Question{}}

	srv := New(state, fb, act, eventsPath, nil)
	return srv, fb
}

// TestHandleHealth_ReturnsOK verifies the liveness endpoint.
func TestHandleHealth_ReturnsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestHandleState_ReturnsCurrentSnapshot verifies the state endpoint
// serializes the provider's snapshot as JSON.
func TestHandleState_ReturnsCurrentSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rec := httptest.NewRecorder()
	srv.mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var ws model.WorkflowState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))
	assert.Equal(t, model.StatusIdle, ws.Status)
}

// TestHandleQuestion_PostSubmitsAnswerToBroker verifies a POST with a JSON
// body reaches the broker's SubmitAnswer and returns 200.
func TestHandleQuestion_PostSubmitsAnswerToBroker(t *testing.T) {
	srv, fb := newTestServer(t)
	fb.pending["q1"] = &model.Question{ID: "q1"}

	body := bytes.NewBufferString(`{"answers":{"proceed?":"yes"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/questions/q1", body)
	rec := httptest.NewRecorder()
	srv.mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yes", fb.submits["q1"]["proceed?"])
}

// TestHandleQuestion_UnknownIDReturns404 verifies submitting against a
// question id the broker doesn't know about 404s.
func TestHandleQuestion_UnknownIDReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	body := bytes.NewBufferString(`{"answers":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/questions/does-not-exist", body)
	rec := httptest.NewRecorder()
	srv.mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestHandleActivity_ReturnsFeed verifies the activity endpoint serves
// whatever the store currently holds.
func TestHandleActivity_ReturnsFeed(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/activity", nil)
	rec := httptest.NewRecorder()
	srv.mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

// TestStartAndClose_PortInUseSurfacesTypedError verifies binding the same
// port twice returns *PortInUseError.
func TestStartAndClose_PortInUseSurfacesTypedError(t *testing.T) {
	srv1, _ := newTestServer(t)
	srv2, _ := newTestServer(t)

	ln := mustFreePort(t)
	require.NoError(t, srv1.Start(ln))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv1.Close(ctx)
	}()

	err := srv2.Start(ln)
	require.Error(t, err)
	var portErr *PortInUseError
	require.ErrorAs(t, err, &portErr)
	assert.Equal(t, ln, portErr.Port)
}

// TestClose_IdempotentWhenNeverStarted verifies Close on an unstarted
// server is a safe no-op.
func TestClose_IdempotentWhenNeverStarted(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Close(ctx))
	assert.NoError(t, srv.Close(ctx))
}

// TestHandleEvents_StreamsInitialBurst verifies the SSE endpoint emits at
// least the events already present in the log before closing the request.
func TestHandleEvents_StreamsInitialBurst(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.mux().ServeHTTP(rec, req)

	scanner := bufio.NewScanner(rec.Body)
	found := false
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), `"event":"boot"`) {
			found = true
		}
	}
	assert.True(t, found)
}

func mustFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
