package sink

import (
	iface "TrafficDensity/interface"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport(runID string, started time.Time) *iface.Report {
	return &iface.Report{
		RunID:      runID,
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
		Densities:  map[string]float64{"B": 42.5, "A": 12.25},
		Skipped: []iface.Skip{
			{Camera: "Ngã_sáu_Cộng_Hòa", CameraID: "I", Reason: "DecodeError", Error: "no snapshot available"},
			{Camera: "unknown", Reason: "UnmappedCamera"},
		},
	}
}

func TestFile_Persist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "densities.json")
	f := NewFile(path)

	require.NoError(t, f.Persist(context.Background(), sampleReport("r1", time.Now())))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"A":12.25,"B":42.5}`, string(body))

	// second run fully replaces the first
	require.NoError(t, f.Persist(context.Background(), &iface.Report{Densities: map[string]float64{"C": 1}}))
	body, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"C":1}`, string(body))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFile_EmptyReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "densities.json")
	require.NoError(t, NewFile(path).Persist(context.Background(), &iface.Report{}))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(body))

	assert.Error(t, NewFile(path).Persist(context.Background(), nil))
}

func TestHistory(t *testing.T) {
	h, err := NewHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer h.Close()

	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, h.Persist(ctx, sampleReport("run-1", t0)))
	second := sampleReport("run-2", t0.Add(time.Minute))
	second.Densities = map[string]float64{"A": 30}
	second.Skipped = nil
	require.NoError(t, h.Persist(ctx, second))

	t.Run("Test Recent", func(t *testing.T) {
		runs, err := h.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-2", runs[0].RunID)
		assert.Equal(t, map[string]float64{"A": 30}, runs[0].Densities)
		assert.Empty(t, runs[0].Skipped)

		assert.Equal(t, "run-1", runs[1].RunID)
		assert.Equal(t, map[string]float64{"A": 12.25, "B": 42.5}, runs[1].Densities)
		require.Len(t, runs[1].Skipped, 2)
		assert.Equal(t, "Ngã_sáu_Cộng_Hòa", runs[1].Skipped[0].Camera)
		assert.Equal(t, "UnmappedCamera", runs[1].Skipped[1].Reason)
		assert.True(t, t0.Equal(runs[1].StartedAt))
	})

	t.Run("Test Series", func(t *testing.T) {
		points, err := h.Series(ctx, "A", t0)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.Equal(t, 12.25, points[0].Density)
		assert.Equal(t, 30.0, points[1].Density)
	})

	t.Run("Test duplicate run id", func(t *testing.T) {
		assert.Error(t, h.Persist(ctx, sampleReport("run-1", t0)))
		runs, err := h.Recent(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, runs, 2)
	})
}

func TestWebhook(t *testing.T) {
	var mu sync.Mutex
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = string(body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(srv.URL, 0).Persist(context.Background(), sampleReport("hook-1", time.Now())))
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, `"runId":"hook-1"`)
	assert.Contains(t, got, `"densities":{"A":12.25,"B":42.5}`)
}

func TestWebhook_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, 0).Persist(context.Background(), sampleReport("hook-2", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBucket_UploadsArtifact(t *testing.T) {
	var mu sync.Mutex
	var method, path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(b)
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBucket(BucketConfig{
		Region:          "ap-southeast-1",
		Bucket:          "traffic",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)
	require.NoError(t, b.Persist(context.Background(), sampleReport("s3-1", time.Now())))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/traffic/densities.json", path)
	assert.Equal(t, `{"A":12.25,"B":42.5}`, body)
}

func TestBucket_RequiresName(t *testing.T) {
	_, err := NewBucket(BucketConfig{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestCache(t *testing.T) {
	addr := os.Getenv("TRAFFIC_TEST_REDIS")
	if addr == "" {
		t.Skip("TRAFFIC_TEST_REDIS not set")
	}
	c, err := NewCache(CacheConfig{Addr: addr, Key: "traffic:test:" + strings.ReplaceAll(t.Name(), "/", "_")})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Persist(ctx, sampleReport("cache-1", time.Now())))
	require.NoError(t, c.Persist(ctx, &iface.Report{RunID: "cache-2", Densities: map[string]float64{"C": 7}}))
	got, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"C": 7}, got)
}

type countingSink struct {
	calls int
	err   error
}

func (s *countingSink) Persist(ctx context.Context, r *iface.Report) error {
	s.calls++
	return s.err
}

func TestFanout(t *testing.T) {
	primaryErr := errors.New("disk full")

	t.Run("Test secondary failure is not fatal", func(t *testing.T) {
		primary := &countingSink{}
		broken := &countingSink{err: errors.New("redis down")}
		ok := &countingSink{}
		f := &Fanout{Primary: primary}
		f.Add("cache", broken)
		f.Add("webhook", ok)

		require.NoError(t, f.Persist(context.Background(), sampleReport("f1", time.Now())))
		assert.Equal(t, 1, primary.calls)
		assert.Equal(t, 1, broken.calls)
		assert.Equal(t, 1, ok.calls)
	})

	t.Run("Test primary failure stops the fan-out", func(t *testing.T) {
		secondary := &countingSink{}
		f := &Fanout{Primary: &countingSink{err: primaryErr}}
		f.Add("history", secondary)

		err := f.Persist(context.Background(), sampleReport("f2", time.Now()))
		assert.ErrorIs(t, err, primaryErr)
		assert.Equal(t, 0, secondary.calls)
	})
}
