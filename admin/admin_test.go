package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xqbumu/go-taskwire"
)

type fakeBackend struct {
	stats   taskwire.Stats
	clients []taskwire.ClientInfo
	queued  int
}

func (f *fakeBackend) Stats() taskwire.Stats { return f.stats }
func (f *fakeBackend) Clients() []taskwire.ClientInfo { return f.clients }
func (f *fakeBackend) ClientCount() int { return len(f.clients) }
func (f *fakeBackend) QueueLen() int { return f.queued }

func newTestAdmin(t *testing.T) (*Server, *fakeBackend) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := &fakeBackend{
		stats: taskwire.Stats{Total: 4, Successful: 3, Failed: 1, SuccessRate: 75},
		clients: []taskwire.ClientInfo{
			{ID: "c-1", Name: "alice", RemoteAddr: "127.0.0.1:5000", ConnectedAt: time.Now()},
			{ID: "c-2", Name: "bob", RemoteAddr: "127.0.0.1:5001", ConnectedAt: time.Now()},
		},
		queued: 2,
	}
	return New(b, nil), b
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestAdmin(t)
	w := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestStats(t *testing.T) {
	s, _ := newTestAdmin(t)
	w := get(t, s, "/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var got taskwire.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(4), got.Total)
	assert.Equal(t, int64(3), got.Successful)
	assert.Equal(t, 75.0, got.SuccessRate)
	assert.Contains(t, w.Body.String(), `"total_tasks"`)
}

func TestClients(t *testing.T) {
	s, _ := newTestAdmin(t)
	w := get(t, s, "/clients")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count   int                   `json:"count"`
		Clients []taskwire.ClientInfo `json:"clients"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "alice", body.Clients[0].Name)

	w = get(t, s, "/clients/c-2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"bob"`)

	w = get(t, s, "/clients/nobody")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatus(t *testing.T) {
	s, _ := newTestAdmin(t)
	w := get(t, s, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var st ProcessStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, 2, st.ConnectedClients)
	assert.Equal(t, 2, st.QueuedTasks)
	assert.Positive(t, st.Goroutines)
	assert.GreaterOrEqual(t, st.UptimeSeconds, 0.0)
}

func TestStartAndShutdown(t *testing.T) {
	s, _ := newTestAdmin(t)
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start("127.0.0.1:0"))
	assert.Error(t, s.Start("127.0.0.1:0"))

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestAgainstRealServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := taskwire.NewServer("127.0.0.1:0", taskwire.WithStatsSchedule(""))
	require.NoError(t, srv.Start())
	defer srv.Stop()

	s := New(srv, nil)
	w := get(t, s, "/clients")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}
