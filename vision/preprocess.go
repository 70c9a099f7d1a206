// Package vision holds the image side of the density pipeline: frame
// preprocessing, mask postprocessing, road extraction and the density math.
package vision

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// Model input resolution shared by the road and vehicle networks.
const (
	ModelHeight = 128
	ModelWidth  = 128
)

var (
	ErrImageLoad = errors.New("image could not be loaded")
	ErrShape     = errors.New("unexpected tensor shape")

	ErrPreprocessConfig = errors.New("invalid preprocess config")
)

type PreprocessConfig struct {
	ClipLimit      float64 `yaml:"clipLimit" validate:"gt=0"`
	TileGrid       int     `yaml:"tileGrid" validate:"gt=0"`
	DenoiseH       float32 `yaml:"denoiseH" validate:"gte=0"`
	DenoiseHColor  float32 `yaml:"denoiseHColor" validate:"gte=0"`
	TemplateWindow int     `yaml:"templateWindow" validate:"gt=0"`
	SearchWindow   int     `yaml:"searchWindow" validate:"gt=0"`
}

func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{
		ClipLimit:      3.0,
		TileGrid:       8,
		DenoiseH:       10,
		DenoiseHColor:  10,
		TemplateWindow: 7,
		SearchWindow:   21,
	}
}

// Preprocessor turns a BGR frame into a (1,128,128,3) float32 tensor in [0,1].
// With Enhance unset only the resize and scaling steps run.
type Preprocessor struct {
	Enhance bool
	Config  PreprocessConfig
}

func NewPreprocessor(cfg PreprocessConfig) *Preprocessor {
	return &Preprocessor{Enhance: true, Config: cfg}
}

// Plain returns a preprocessor that only resizes and scales.
func Plain() *Preprocessor {
	return &Preprocessor{Enhance: false, Config: DefaultPreprocessConfig()}
}

func (p *Preprocessor) Preprocess(frame gocv.Mat) (*tensor.Dense, error) {
	if frame.Empty() {
		return nil, ErrImageLoad
	}
	if frame.Channels() != 3 {
		return nil, fmt.Errorf("%w: frame has %d channels, want 3", ErrImageLoad, frame.Channels())
	}

	img := frame.Clone()
	defer img.Close()
	if p.Enhance {
		if err := p.Config.check(); err != nil {
			return nil, err
		}
		if err := p.equalize(&img); err != nil {
			return nil, fmt.Errorf("equalize: %w", err)
		}
		if err := p.denoise(&img); err != nil {
			return nil, fmt.Errorf("denoise: %w", err)
		}
		if err := sharpen(&img); err != nil {
			return nil, fmt.Errorf("sharpen: %w", err)
		}
	}

	resized := gocv.NewMat()
	defer resized.Close()
	if err := gocv.Resize(img, &resized, image.Pt(ModelWidth, ModelHeight), 0, 0, gocv.InterpolationLinear); err != nil {
		return nil, fmt.Errorf("resize to model input: %w", err)
	}

	return toTensor(resized)
}

// check rejects parameters OpenCV would divide by or assert on.
func (c PreprocessConfig) check() error {
	switch {
	case c.ClipLimit <= 0:
		return fmt.Errorf("%w: clip limit %v", ErrPreprocessConfig, c.ClipLimit)
	case c.TileGrid <= 0:
		return fmt.Errorf("%w: tile grid %d", ErrPreprocessConfig, c.TileGrid)
	case c.DenoiseH < 0 || c.DenoiseHColor < 0:
		return fmt.Errorf("%w: denoise strength %v/%v", ErrPreprocessConfig, c.DenoiseH, c.DenoiseHColor)
	case c.TemplateWindow <= 0 || c.SearchWindow <= 0:
		return fmt.Errorf("%w: denoise windows %d/%d", ErrPreprocessConfig, c.TemplateWindow, c.SearchWindow)
	}
	return nil
}

// equalize runs CLAHE on the luma channel only.
func (p *Preprocessor) equalize(img *gocv.Mat) error {
	ycrcb := gocv.NewMat()
	defer ycrcb.Close()
	if err := gocv.CvtColor(*img, &ycrcb, gocv.ColorBGRToYCrCb); err != nil {
		return err
	}

	channels := gocv.Split(ycrcb)
	defer func() {
		for i := range channels {
			_ = channels[i].Close()
		}
	}()
	if len(channels) != 3 {
		return fmt.Errorf("%w: split produced %d channels", ErrShape, len(channels))
	}

	clahe := gocv.NewCLAHEWithParams(p.Config.ClipLimit, image.Pt(p.Config.TileGrid, p.Config.TileGrid))
	defer clahe.Close()
	luma := gocv.NewMat()
	if err := clahe.Apply(channels[0], &luma); err != nil {
		_ = luma.Close()
		return err
	}
	_ = channels[0].Close()
	channels[0] = luma

	if err := gocv.Merge(channels, &ycrcb); err != nil {
		return err
	}
	return gocv.CvtColor(ycrcb, img, gocv.ColorYCrCbToBGR)
}

func (p *Preprocessor) denoise(img *gocv.Mat) error {
	out := gocv.NewMat()
	err := gocv.FastNlMeansDenoisingColoredWithParams(*img, &out,
		p.Config.DenoiseH, p.Config.DenoiseHColor, p.Config.TemplateWindow, p.Config.SearchWindow)
	if err != nil {
		_ = out.Close()
		return err
	}
	_ = img.Close()
	*img = out
	return nil
}

var sharpenKernel = []float32{
	0, -1, 0,
	-1, 5, -1,
	0, -1, 0,
}

func sharpen(img *gocv.Mat) error {
	kernel := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	defer kernel.Close()
	for i, v := range sharpenKernel {
		kernel.SetFloatAt(i/3, i%3, v)
	}
	out := gocv.NewMat()
	if err := gocv.Filter2D(*img, &out, gocv.MatType(-1), kernel, image.Pt(-1, -1), 0, gocv.BorderDefault); err != nil {
		_ = out.Close()
		return err
	}
	_ = img.Close()
	*img = out
	return nil
}

// toTensor scales an 8-bit 3-channel Mat into NHWC float32 with a batch of one.
func toTensor(m gocv.Mat) (*tensor.Dense, error) {
	f := gocv.NewMat()
	defer f.Close()
	if err := m.ConvertToWithParams(&f, gocv.MatTypeCV32FC3, 1.0/255.0, 0); err != nil {
		return nil, fmt.Errorf("scale to float: %w", err)
	}
	src, err := f.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read tensor data: %w", err)
	}
	data := make([]float32, len(src))
	copy(data, src)
	return tensor.New(
		tensor.WithShape(1, m.Rows(), m.Cols(), m.Channels()),
		tensor.WithBacking(data),
	), nil
}

// DecodeFrame decodes encoded image bytes into a BGR Mat.
func DecodeFrame(buf []byte) (gocv.Mat, error) {
	if len(buf) == 0 {
		return gocv.NewMat(), ErrImageLoad
	}
	mat, err := gocv.IMDecode(buf, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", ErrImageLoad, err)
	}
	if mat.Empty() {
		_ = mat.Close()
		return gocv.NewMat(), fmt.Errorf("%w: decoded image is empty or unsupported format", ErrImageLoad)
	}
	return mat, nil
}
