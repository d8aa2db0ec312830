package dataset

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// Channel names used in artifact file names.
const (
	ChannelColour     = "colour"
	ChannelAnnotation = "annotation"
	ChannelDepth      = "depth"
)

// Fixed file names inside a session directory.
const (
	SessionMetadataFile = "session_metadata.json"
	SessionConfigFile   = "session_config.json"
	SessionSummaryFile  = "session_summary.json"
	FrameMetadataFile   = "metadata.json"
	FramesMetadataFile  = "frames_metadata.json"
)

// Layout decides where a frame's files go, relative to the session directory.
type Layout interface {
	Name() string
	// FrameDir is the per-frame directory, or "" when frames share the session root.
	FrameDir(frame int) string
	ArtifactPath(frame int, cameraKey, channel, ext string) string
	// Parse recovers the frame, camera key and channel from an artifact path.
	Parse(rel string) (frame int, cameraKey, channel string, ok bool)
	// Aggregated layouts write one frames_metadata.json at the end instead
	// of a metadata.json per frame.
	Aggregated() bool
}

// LayoutByName returns the layout for "frame_dirs" or "flat".
func LayoutByName(name string) (Layout, error) {
	switch name {
	case "", "frame_dirs":
		return FrameDirLayout{}, nil
	case "flat":
		return FlatLayout{}, nil
	}
	return nil, fmt.Errorf("unknown dataset layout %q", name)
}

// FrameDirLayout writes frame_<i>/<camera>_<channel>.<ext> plus frame_<i>/metadata.json.
type FrameDirLayout struct{}

func (FrameDirLayout) Name() string { return "frame_dirs" }
func (FrameDirLayout) Aggregated() bool { return false }
func (FrameDirLayout) FrameDir(i int) string { return fmt.Sprintf("frame_%d", i) }

func (l FrameDirLayout) ArtifactPath(i int, cameraKey, channel, ext string) string {
	return filepath.Join(l.FrameDir(i), fmt.Sprintf("%s_%s.%s", cameraKey, channel, ext))
}

var frameDirRe = regexp.MustCompile(`^frame_(\d+)/(.+)_(colour|annotation|depth)\.[a-z]+$`)

func (FrameDirLayout) Parse(rel string) (int, string, string, bool) {
	m := frameDirRe.FindStringSubmatch(filepath.ToSlash(rel))
	if m == nil {
		return 0, "", "", false
	}
	i, _ := strconv.Atoi(m[1])
	return i, m[2], m[3], true
}

// FlatLayout writes frame_<%05d>_<camera>_<channel>.<ext> in the session root.
type FlatLayout struct{}

func (FlatLayout) Name() string { return "flat" }
func (FlatLayout) Aggregated() bool { return true }
func (FlatLayout) FrameDir(int) string { return "" }

func (FlatLayout) ArtifactPath(i int, cameraKey, channel, ext string) string {
	return fmt.Sprintf("frame_%05d_%s_%s.%s", i, cameraKey, channel, ext)
}

var flatRe = regexp.MustCompile(`^frame_(\d{5,})_(.+)_(colour|annotation|depth)\.[a-z]+$`)

func (FlatLayout) Parse(rel string) (int, string, string, bool) {
	m := flatRe.FindStringSubmatch(filepath.ToSlash(rel))
	if m == nil {
		return 0, "", "", false
	}
	i, _ := strconv.Atoi(m[1])
	return i, m[2], m[3], true
}
