// Package pipeline runs the per-frame road/vehicle segmentation sequence and
// the batch loop over every camera folder.
package pipeline

import (
	iface "TrafficDensity/interface"
	"errors"
)

var (
	ErrDecode         = errors.New("frame could not be decoded")
	ErrUnmappedCamera = errors.New("camera has no identifier mapping")
	ErrPipeline       = errors.New("frame pipeline failed")
)

type State int

const (
	Idle State = iota
	Decoded
	Preprocessed
	RoadSegmented
	RoadExtracted
	VehiclePreprocessed
	VehicleSegmented
	DensityComputed
	Done
	Skipped
)

var stateNames = [...]string{
	Idle:                "Idle",
	Decoded:             "Decoded",
	Preprocessed:        "Preprocessed",
	RoadSegmented:       "RoadSegmented",
	RoadExtracted:       "RoadExtracted",
	VehiclePreprocessed: "VehiclePreprocessed",
	VehicleSegmented:    "VehicleSegmented",
	DensityComputed:     "DensityComputed",
	Done:                "Done",
	Skipped:             "Skipped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

type SkipReason string

const (
	DecodeError    SkipReason = "DecodeError"
	UnmappedCamera SkipReason = "UnmappedCamera"
	PipelineError  SkipReason = "PipelineError"
)

// Outcome is the result of one camera: Done with a density, or Skipped with a
// reason and the underlying error.
type Outcome struct {
	Camera   string
	CameraID string
	State    State
	Trace    []State
	Density  float64
	Reason   SkipReason
	Err      error
}

func newOutcome(cameraID string) Outcome {
	return Outcome{CameraID: cameraID, State: Idle, Trace: []State{Idle}}
}

func (o *Outcome) advance(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}

func (o *Outcome) skip(reason SkipReason, err error) {
	o.Density = 0
	o.Reason = reason
	o.Err = err
	o.advance(Skipped)
}

func (o Outcome) Done() bool {
	return o.State == Done
}

// Skip renders a skipped outcome for the report.
func (o Outcome) Skip() iface.Skip {
	s := iface.Skip{Camera: o.Camera, CameraID: o.CameraID, Reason: string(o.Reason)}
	if o.Err != nil {
		s.Error = o.Err.Error()
	}
	return s
}
