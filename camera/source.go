package camera

import (
	iface "TrafficDensity/interface"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const DefaultSnapshot = "latest.png"

// DirSource reads one subfolder per camera under Root, each holding a
// snapshot file named Snapshot.
type DirSource struct {
	Root     string
	Snapshot string
}

func NewDirSource(root, snapshot string) *DirSource {
	if snapshot == "" {
		snapshot = DefaultSnapshot
	}
	return &DirSource{Root: root, Snapshot: snapshot}
}

// List returns the immediate subdirectories of Root in name order. Plain
// files at the top level are ignored.
func (s *DirSource) List(ctx context.Context) ([]iface.Subfolder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("list snapshot root %s: %w", s.Root, err)
	}
	subs := make([]iface.Subfolder, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		subs = append(subs, iface.Subfolder{Name: e.Name(), Path: filepath.Join(s.Root, e.Name())})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Name < subs[j].Name })
	return subs, nil
}

func (s *DirSource) Latest(ctx context.Context, sub iface.Subfolder) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(sub.Path, s.Snapshot)
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", iface.ErrNoSnapshot, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	return buf, nil
}
