// Package dataset writes capture sessions to disk: one directory per session,
// the static metadata and config once at start, image artifacts and a
// metadata record per frame, and a summary at the end.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sim-capture/internal/fsutil"
	"github.com/banshee-data/sim-capture/internal/monitoring"
	"github.com/banshee-data/sim-capture/internal/session"
	"github.com/banshee-data/sim-capture/internal/simulator"
	"github.com/banshee-data/sim-capture/internal/timeutil"
)

// TimestampFormat names session directories.
const TimestampFormat = "2006-01-02_15-04-05"

// Artifact is one file written for a frame. Path is relative to the session directory.
type Artifact struct {
	Camera  string `json:"camera"`
	Channel string `json:"channel"`
	Path    string `json:"path"`
}

// FrameRecord is everything persisted for one capture iteration.
type FrameRecord struct {
	Index     int            `json:"frame"`
	Metadata  map[string]any `json:"metadata"`
	Artifacts []Artifact     `json:"artifacts"`
}

// Summary is the final status of a session.
type Summary struct {
	State          string    `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	Error          string    `json:"error,omitempty"`
	FramesPlanned  int       `json:"frames_planned"`
	FramesCaptured int       `json:"frames_captured"`
	Forced         bool      `json:"forced"`
	RateViolations int       `json:"rate_violations"`
	Stalls         int       `json:"stalls"`
	SaveFailures   int       `json:"save_failures"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// SessionInfo identifies a session to an Indexer.
type SessionInfo struct {
	ID        string
	Dir       string
	Layout    string
	StartedAt time.Time
	Config    session.Config
}

// Indexer receives a copy of everything the writer persists. The capture
// catalogue implements it.
type Indexer interface {
	StartSession(ctx context.Context, info SessionInfo) error
	RecordFrame(ctx context.Context, sessionID string, rec FrameRecord) error
	FinishSession(ctx context.Context, sessionID string, s Summary) error
}

// Options configures a Writer.
type Options struct {
	OutputRoot  string
	Prefix      string
	Layout      string
	DepthFormat string
	FS          fsutil.FileSystem
	Clock       timeutil.Clock
	Indexer     Indexer
}

// Writer persists one session. SaveCamera may be called concurrently;
// WriteFrame and Finish are called from the scheduler goroutine.
type Writer struct {
	fs          fsutil.FileSystem
	clock       timeutil.Clock
	layout      Layout
	depthFormat string
	dir         string
	id          string
	started     time.Time
	indexer     Indexer

	mu       sync.Mutex
	frames   []FrameRecord
	finished bool
}

// Create makes the session directory under OutputRoot/Prefix and writes the
// session metadata and config files.
func Create(ctx context.Context, opts Options, cfg session.Config) (*Writer, error) {
	layout, err := LayoutByName(opts.Layout)
	if err != nil {
		return nil, err
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.DepthFormat == "" {
		opts.DepthFormat = DepthPNG
	}

	w := &Writer{
		fs:          opts.FS,
		clock:       opts.Clock,
		layout:      layout,
		depthFormat: opts.DepthFormat,
		id:          uuid.NewString(),
		started:     opts.Clock.Now(),
		indexer:     opts.Indexer,
	}
	base := filepath.Join(opts.OutputRoot, opts.Prefix, w.started.Format(TimestampFormat))
	w.dir = base
	for n := 2; w.fs.Exists(w.dir); n++ {
		w.dir = fmt.Sprintf("%s_%d", base, n)
	}
	if err := w.fs.MkdirAll(w.dir, 0755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	if err := w.writeJSON(SessionMetadataFile, cfg.ExtractMetadata()); err != nil {
		return nil, err
	}
	doc, err := cfg.ToDocument()
	if err != nil {
		return nil, err
	}
	if err := w.writeJSON(SessionConfigFile, doc); err != nil {
		return nil, err
	}

	if w.indexer != nil {
		info := SessionInfo{ID: w.id, Dir: w.dir, Layout: layout.Name(), StartedAt: w.started, Config: cfg}
		if err := w.indexer.StartSession(ctx, info); err != nil {
			monitoring.Warnf("catalogue disabled for session %s: %v", w.id, err)
			w.indexer = nil
		}
	}
	return w, nil
}

// Dir is the session directory.
func (w *Writer) Dir() string { return w.dir }

// SessionID is the identifier recorded in the catalogue.
func (w *Writer) SessionID() string { return w.id }

// Layout is the frame layout in use.
func (w *Writer) Layout() Layout { return w.layout }

// SaveCamera writes every channel present in f. A channel that fails to
// encode or write is reported in errs and skipped; the rest are still saved.
func (w *Writer) SaveCamera(frame int, camera string, f simulator.CameraFrame) (saved []Artifact, errs []error) {
	key := session.FileKey(camera)
	save := func(channel, ext string, encode func(io.Writer) error) {
		rel := w.layout.ArtifactPath(frame, key, channel, ext)
		if err := w.writeFile(rel, encode); err != nil {
			errs = append(errs, fmt.Errorf("frame %d camera %s %s: %w", frame, camera, channel, err))
			return
		}
		saved = append(saved, Artifact{Camera: camera, Channel: channel, Path: filepath.ToSlash(rel)})
	}

	if f.Colour != nil {
		img, err := ColourImage(f.Colour)
		if err != nil {
			errs = append(errs, fmt.Errorf("frame %d camera %s colour: %w", frame, camera, err))
		} else {
			save(ChannelColour, "png", func(out io.Writer) error { return encodePNG(out, img) })
		}
	}
	if f.Annotation != nil {
		img, err := AnnotationImage(f.Annotation)
		if err != nil {
			errs = append(errs, fmt.Errorf("frame %d camera %s annotation: %w", frame, camera, err))
		} else {
			save(ChannelAnnotation, "png", func(out io.Writer) error { return encodePNG(out, img) })
		}
	}
	if f.Depth != nil {
		img, err := DepthImage(f.Depth)
		if err != nil {
			errs = append(errs, fmt.Errorf("frame %d camera %s depth: %w", frame, camera, err))
		} else {
			save(ChannelDepth, depthExt(w.depthFormat), func(out io.Writer) error {
				return encodeDepth(out, img, w.depthFormat)
			})
		}
	}
	return saved, errs
}

// WriteFrame persists a frame's metadata record.
func (w *Writer) WriteFrame(ctx context.Context, rec FrameRecord) error {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return errors.New("dataset writer already finished")
	}
	if w.layout.Aggregated() {
		w.frames = append(w.frames, rec)
	}
	w.mu.Unlock()

	if !w.layout.Aggregated() {
		rel := filepath.Join(w.layout.FrameDir(rec.Index), FrameMetadataFile)
		if err := w.writeJSON(rel, rec); err != nil {
			return err
		}
	}
	if w.indexer != nil {
		if err := w.indexer.RecordFrame(ctx, w.id, rec); err != nil {
			monitoring.Warnf("catalogue frame %d: %v", rec.Index, err)
		}
	}
	return nil
}

// Finish flushes aggregated frame metadata and the session summary. It runs
// on aborted sessions too, so it ignores cancellation of ctx. Calls after
// the first are no-ops.
func (w *Writer) Finish(ctx context.Context, s Summary) error {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return nil
	}
	w.finished = true
	frames := w.frames
	w.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if s.StartedAt.IsZero() {
		s.StartedAt = w.started
	}
	if s.FinishedAt.IsZero() {
		s.FinishedAt = w.clock.Now()
	}

	var errs []error
	if w.layout.Aggregated() {
		if frames == nil {
			frames = []FrameRecord{}
		}
		errs = append(errs, w.writeJSON(FramesMetadataFile, frames))
	}
	errs = append(errs, w.writeJSON(SessionSummaryFile, s))
	if w.indexer != nil {
		if err := w.indexer.FinishSession(ctx, w.id, s); err != nil {
			errs = append(errs, fmt.Errorf("catalogue: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (w *Writer) writeJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	if dir := filepath.Dir(rel); dir != "." {
		if err := w.fs.MkdirAll(filepath.Join(w.dir, dir), 0755); err != nil {
			return err
		}
	}
	if err := w.fs.WriteFile(filepath.Join(w.dir, rel), data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

func (w *Writer) writeFile(rel string, encode func(io.Writer) error) error {
	full := filepath.Join(w.dir, rel)
	if err := w.fs.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	f, err := w.fs.Create(full)
	if err != nil {
		return err
	}
	if err := encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
