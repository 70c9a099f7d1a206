package monitor

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/pipeline"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestObserveOutcome(t *testing.T) {
	before := testutil.ToFloat64(FramesTotal.WithLabelValues("Done", ""))
	ObserveOutcome(pipeline.Outcome{CameraID: "Z", State: pipeline.Done, Density: 37.5})
	ObserveOutcome(pipeline.Outcome{CameraID: "Y", State: pipeline.Skipped, Reason: pipeline.UnmappedCamera})

	assert.Equal(t, before+1, testutil.ToFloat64(FramesTotal.WithLabelValues("Done", "")))
	assert.Equal(t, 37.5, testutil.ToFloat64(CameraDensity.WithLabelValues("Z")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(FramesTotal.WithLabelValues("Skipped", "UnmappedCamera")), 1.0)
}

func TestInstrumentModel(t *testing.T) {
	boom := errors.New("boom")
	m := InstrumentModel("test_vehicle", iface.ModelFunc(func(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error) {
		return nil, boom
	}))
	_, err := m.Predict(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, testutil.CollectAndCount(ModelLatency, "model_predict_seconds"))
}

func TestObserveRun(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues("error"))
	ObserveRun(errors.New("sink"))
	assert.Equal(t, before+1, testutil.ToFloat64(RunsTotal.WithLabelValues("error")))
}

func TestHandlerAndProcessInfo(t *testing.T) {
	PID.Pid = int32(os.Getpid())
	CheckProcessInfo()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memory_usage_Megabytes")
	assert.Greater(t, testutil.ToFloat64(memUsage), 0.0)
}
