package api

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/pipeline"
	"TrafficDensity/sink"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoProcessor reports len(frame) as the density; an empty frame is a decode error.
type echoProcessor struct {
	lastCamera string
	lastFrame  []byte
}

func (p *echoProcessor) Process(ctx context.Context, cameraID string, frame []byte) pipeline.Outcome {
	p.lastCamera = cameraID
	p.lastFrame = frame
	o := pipeline.Outcome{CameraID: cameraID, Trace: []pipeline.State{pipeline.Idle}}
	if len(frame) == 0 {
		o.State = pipeline.Skipped
		o.Reason = pipeline.DecodeError
		o.Err = pipeline.ErrDecode
		o.Trace = append(o.Trace, pipeline.Skipped)
		return o
	}
	o.State = pipeline.Done
	o.Density = float64(len(frame))
	o.Trace = append(o.Trace, pipeline.Done)
	return o
}

type stubRunner struct {
	report *iface.Report
	err    error
}

func (r *stubRunner) TryRun(ctx context.Context) (*iface.Report, error) {
	return r.report, r.err
}

type stubHistory struct{}

func (stubHistory) Recent(ctx context.Context, limit int) ([]iface.Report, error) {
	return []iface.Report{{RunID: "h1", Densities: map[string]float64{"A": 1}}}, nil
}

func (stubHistory) Series(ctx context.Context, cameraID string, since time.Time) ([]sink.Point, error) {
	return []sink.Point{{At: since, Density: 4}}, nil
}

func newTestServer(t *testing.T) (*Server, *pipeline.LatestStore, *echoProcessor) {
	t.Helper()
	store := &pipeline.LatestStore{}
	proc := &echoProcessor{}
	return &Server{
		Processor: proc,
		Runner:    &stubRunner{report: &iface.Report{RunID: "manual", Densities: map[string]float64{"K": 9}}},
		Store:     store,
		History:   stubHistory{},
		Hub:       NewHub(),
	}, store, proc
}

func do(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(s.Router(), httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())
}

func TestDensities(t *testing.T) {
	s, store, _ := newTestServer(t)
	r := s.Router()

	rec := do(r, httptest.NewRequest(http.MethodGet, "/api/densities", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, store.Persist(context.Background(), &iface.Report{
		RunID:     "r1",
		Densities: map[string]float64{"A": 12.5, "C": 0},
	}))
	rec = do(r, httptest.NewRequest(http.MethodGet, "/api/densities", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"A":12.5,"C":0}`, rec.Body.String())

	rec = do(r, httptest.NewRequest(http.MethodGet, "/api/report", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runId":"r1"`)
}

func TestEstimate(t *testing.T) {
	s, _, proc := newTestServer(t)
	r := s.Router()

	t.Run("Test raw body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/estimate?camera=B", bytes.NewReader([]byte("abcd")))
		req.Header.Set("Content-Type", "image/png")
		rec := do(r, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "B", proc.lastCamera)
		assert.Contains(t, rec.Body.String(), `"density":4`)
		assert.Contains(t, rec.Body.String(), `"state":"Done"`)
	})

	t.Run("Test base64 data url", func(t *testing.T) {
		body := `{"image":"data:image/png;base64,` + base64.StdEncoding.EncodeToString([]byte("xyz")) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/api/estimate", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := do(r, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []byte("xyz"), proc.lastFrame)
		assert.Equal(t, "adhoc", proc.lastCamera)
	})

	t.Run("Test multipart", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("image", "latest.png")
		require.NoError(t, err)
		_, _ = fw.Write([]byte("12345"))
		require.NoError(t, mw.Close())
		req := httptest.NewRequest(http.MethodPost, "/api/estimate", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := do(r, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"density":5`)
	})

	t.Run("Test skipped frame", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/estimate", bytes.NewReader(nil))
		req.Header.Set("Content-Type", "image/png")
		rec := do(r, req)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), `"reason":"DecodeError"`)
	})

	t.Run("Test bad base64", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/estimate", strings.NewReader(`{"image":"%%%"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := do(r, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestEstimate_SizeLimit(t *testing.T) {
	s, _, proc := newTestServer(t)
	s.MaxImageBytes = 16
	r := s.Router()

	post := func(body io.Reader, contentType string) *httptest.ResponseRecorder {
		proc.lastFrame = nil
		req := httptest.NewRequest(http.MethodPost, "/api/estimate", body)
		req.Header.Set("Content-Type", contentType)
		return do(r, req)
	}

	t.Run("Test raw at limit", func(t *testing.T) {
		rec := post(bytes.NewReader(bytes.Repeat([]byte("a"), 16)), "image/png")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Test raw over limit", func(t *testing.T) {
		rec := post(bytes.NewReader(bytes.Repeat([]byte("a"), 17)), "image/png")
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Nil(t, proc.lastFrame)
	})

	t.Run("Test base64 decodes over limit", func(t *testing.T) {
		img := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("b"), 64))
		rec := post(strings.NewReader(`{"image":"`+img+`"}`), "application/json")
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Nil(t, proc.lastFrame)
	})

	t.Run("Test json body over limit", func(t *testing.T) {
		rec := post(strings.NewReader(`{"image":"`+strings.Repeat("A", 64*1024)+`"}`), "application/json")
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Nil(t, proc.lastFrame)
	})

	t.Run("Test multipart over limit", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("image", "latest.png")
		require.NoError(t, err)
		_, _ = fw.Write(bytes.Repeat([]byte("c"), 17))
		require.NoError(t, mw.Close())
		rec := post(&buf, mw.FormDataContentType())
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Nil(t, proc.lastFrame)
	})
}

func TestRun(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(s.Router(), httptest.NewRequest(http.MethodPost, "/api/run", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runId":"manual"`)

	s.Runner = &stubRunner{err: pipeline.ErrRunActive}
	rec = do(s.Router(), httptest.NewRequest(http.MethodPost, "/api/run", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	s.Runner = &stubRunner{err: errors.New("disk full")}
	rec = do(s.Router(), httptest.NewRequest(http.MethodPost, "/api/run", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHistory(t *testing.T) {
	s, _, _ := newTestServer(t)
	r := s.Router()

	rec := do(r, httptest.NewRequest(http.MethodGet, "/api/history?limit=5", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runId":"h1"`)

	rec = do(r, httptest.NewRequest(http.MethodGet, "/api/history?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, httptest.NewRequest(http.MethodGet, "/api/history/A?since=1h", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"density":4`)

	s.History = nil
	rec = do(s.Router(), httptest.NewRequest(http.MethodGet, "/api/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebsocketPush(t *testing.T) {
	s, store, _ := newTestServer(t)
	require.NoError(t, store.Persist(context.Background(), &iface.Report{RunID: "old", Densities: map[string]float64{"A": 1}}))

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "old", first.RunID)

	require.Eventually(t, func() bool { return s.Hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Hub.Persist(context.Background(), &iface.Report{RunID: "new", Densities: map[string]float64{"A": 55}}))

	var next Message
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "densities", next.Type)
	assert.Equal(t, "new", next.RunID)
	assert.Equal(t, 55.0, next.Densities["A"])

	_ = conn.Close()
	require.Eventually(t, func() bool { return s.Hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_StalledClientDoesNotBlock(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	// this client never reads
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	msg := bytes.Repeat([]byte("x"), 256*1024)
	start := time.Now()
	for i := 0; i < 200; i++ {
		s.Hub.Broadcast(msg)
	}
	assert.Less(t, time.Since(start), writeWait)
	require.Eventually(t, func() bool { return s.Hub.Count() == 0 }, 5*time.Second, 10*time.Millisecond)

	s.Hub.Broadcast(msg)
	s.Hub.Close()
}
