package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/banshee-data/sim-capture/internal/fsutil"
	"github.com/banshee-data/sim-capture/internal/session"
)

// Session is a session directory read back from disk.
type Session struct {
	Dir      string
	Metadata session.Metadata
	// Summary is nil when the run never reached Finish.
	Summary *Summary
	Frames  []FrameRecord
}

var frameDirName = regexp.MustCompile(`^frame_(\d+)$`)

// ReadSession loads a session directory written in either layout. Frames are
// returned in index order.
func ReadSession(fsys fsutil.FileSystem, dir string) (*Session, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	s := &Session{Dir: dir}
	if err := readJSON(fsys, filepath.Join(dir, SessionMetadataFile), &s.Metadata); err != nil {
		return nil, err
	}

	var summary Summary
	switch err := readJSON(fsys, filepath.Join(dir, SessionSummaryFile), &summary); {
	case err == nil:
		s.Summary = &summary
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	aggregated := filepath.Join(dir, FramesMetadataFile)
	if fsys.Exists(aggregated) {
		if err := readJSON(fsys, aggregated, &s.Frames); err != nil {
			return nil, err
		}
	} else {
		names, err := fsys.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("list session: %w", err)
		}
		for _, name := range names {
			m := frameDirName.FindStringSubmatch(name)
			if m == nil {
				continue
			}
			var rec FrameRecord
			if err := readJSON(fsys, filepath.Join(dir, name, FrameMetadataFile), &rec); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, err
			}
			if rec.Index == 0 {
				rec.Index, _ = strconv.Atoi(m[1])
			}
			s.Frames = append(s.Frames, rec)
		}
	}
	sort.SliceStable(s.Frames, func(i, j int) bool { return s.Frames[i].Index < s.Frames[j].Index })
	return s, nil
}

func readJSON(fsys fsutil.FileSystem, path string, v any) error {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Float reads a numeric metadata field.
func (r FrameRecord) Float(key string) (float64, bool) {
	switch v := r.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
