// Package sink persists batch reports: the flat densities artifact, run
// history, the latest-value cache and the outbound notifications.
package sink

import (
	iface "TrafficDensity/interface"
	"context"
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// File writes the identifier -> density map as a flat JSON object,
// replacing the previous file in one rename.
type File struct {
	Path string
}

func NewFile(path string) *File {
	return &File{Path: path}
}

func (f *File) Persist(ctx context.Context, report *iface.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encodeDensities(report)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp output: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp output: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replace %s: %w", f.Path, err)
	}
	return nil
}

// encodeDensities renders the artifact body. Keys come out sorted and
// non-ASCII is kept as UTF-8.
func encodeDensities(report *iface.Report) ([]byte, error) {
	if report == nil {
		return nil, fmt.Errorf("nil report")
	}
	densities := report.Densities
	if densities == nil {
		densities = map[string]float64{}
	}
	body, err := json.Marshal(densities)
	if err != nil {
		return nil, fmt.Errorf("encode densities: %w", err)
	}
	return body, nil
}
