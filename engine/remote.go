package engine

import (
	iface "TrafficDensity/interface"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/tensor"
)

const TimeOutSeconds = 10

// predictRequest and predictResponse follow the TensorFlow Serving REST row format.
type predictRequest struct {
	Instances [][][][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions interface{} `json:"predictions"`
	Error       string      `json:"error,omitempty"`
}

// Remote forwards Predict calls to a model server over HTTP.
type Remote struct {
	URL   string
	State int

	client *resty.Client
}

func NewRemote(url string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = TimeOutSeconds * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetJSONMarshaler(jsoniter.Marshal).
		SetJSONUnmarshaler(jsoniter.Unmarshal)
	return &Remote{URL: strings.TrimRight(url, "/"), State: IDLE, client: client}
}

func (r *Remote) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{Backend: BackendRemote, URL: r.URL, Layout: LayoutNHWC}
}

func (r *Remote) Predict(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error) {
	if r.State != IDLE {
		return nil, ErrNotLoaded
	}
	h, w, c, data, err := inputDims(in)
	if err != nil {
		return nil, err
	}

	var body predictResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(predictRequest{Instances: [][][][]float32{nest(data, h, w, c)}}).
		SetResult(&body).
		SetError(&body).
		Post(r.URL)
	if err != nil {
		return nil, fmt.Errorf("model server request: %w", err)
	}
	if resp.IsError() {
		if body.Error != "" {
			return nil, fmt.Errorf("model server returned %s: %s", resp.Status(), body.Error)
		}
		return nil, fmt.Errorf("model server returned %s", resp.Status())
	}
	if body.Predictions == nil {
		return nil, fmt.Errorf("model server response has no predictions")
	}

	shape, values, err := flatten(body.Predictions)
	if err != nil {
		return nil, err
	}
	switch len(shape) {
	case 4:
		return newNHWC(shape[1], shape[2], shape[3], values), nil
	case 3:
		return newNHWC(shape[1], shape[2], 1, values), nil
	default:
		return nil, fmt.Errorf("unexpected prediction shape %v", shape)
	}
}

func (r *Remote) Destroy() {
	r.State = UNREGISTERED
}

// nest turns a flat HWC buffer into rows of pixels of channels.
func nest(data []float32, h, w, c int) [][][]float32 {
	img := make([][][]float32, h)
	for y := range img {
		img[y] = make([][]float32, w)
		for x := range img[y] {
			off := (y*w + x) * c
			img[y][x] = data[off : off+c]
		}
	}
	return img
}

// flatten walks a decoded JSON array of numbers and returns its rectangular
// shape and row-major values.
func flatten(v interface{}) ([]int, []float32, error) {
	var shape []int
	for cur := v; ; {
		arr, ok := cur.([]interface{})
		if !ok {
			break
		}
		shape = append(shape, len(arr))
		if len(arr) == 0 {
			break
		}
		cur = arr[0]
	}
	if len(shape) == 0 {
		return nil, nil, fmt.Errorf("predictions are not an array")
	}

	total := 1
	for _, n := range shape {
		total *= n
	}
	out := make([]float32, 0, total)
	var walk func(node interface{}, depth int) error
	walk = func(node interface{}, depth int) error {
		if depth == len(shape) {
			f, ok := node.(float64)
			if !ok {
				return fmt.Errorf("prediction value %v is not a number", node)
			}
			out = append(out, float32(f))
			return nil
		}
		arr, ok := node.([]interface{})
		if !ok || len(arr) != shape[depth] {
			return fmt.Errorf("predictions are not rectangular at depth %d", depth)
		}
		for _, child := range arr {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(v, 0); err != nil {
		return nil, nil, err
	}
	return shape, out, nil
}
