package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sim-capture/internal/dataset"
	"github.com/banshee-data/sim-capture/internal/fsutil"
	"github.com/banshee-data/sim-capture/internal/monitoring"
	"github.com/banshee-data/sim-capture/internal/session"
	"github.com/banshee-data/sim-capture/internal/timeutil"
)

func newTestCatalogue(t *testing.T) *Catalogue {
	t.Helper()
	c, err := OpenCatalogue(filepath.Join(t.TempDir(), "nested", "catalogue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func startTestSession(t *testing.T, c *Catalogue, id string, started time.Time) {
	t.Helper()
	err := c.StartSession(context.Background(), dataset.SessionInfo{
		ID:        id,
		Dir:       "/out/" + id,
		Layout:    "frame_dirs",
		StartedAt: started,
		Config:    session.Default(),
	})
	require.NoError(t, err)
}

func TestCatalogueLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalogue(t)
	started := time.Date(2026, 6, 1, 10, 0, 0, 250_000_000, time.UTC)
	startTestSession(t, c, "s1", started)

	got, err := c.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, "west_coast_usa", got.Map)
	assert.Equal(t, "etk800", got.VehicleModel)
	assert.WithinDuration(t, started, got.StartedAt, time.Millisecond)
	assert.Nil(t, got.FinishedAt)

	for i := 0; i < 3; i++ {
		rec := dataset.FrameRecord{
			Index:    i,
			Metadata: map[string]any{"time": 1.0 + 0.2*float64(i)},
			Artifacts: []dataset.Artifact{
				{Camera: "front", Channel: dataset.ChannelColour, Path: "frame_x/front_colour.png"},
				{Camera: "front", Channel: dataset.ChannelDepth, Path: "frame_x/front_depth.png"},
			},
		}
		require.NoError(t, c.RecordFrame(ctx, "s1", rec))
	}
	n, err := c.FrameCount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	arts, err := c.Artifacts(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, arts, 6)

	finished := started.Add(12 * time.Second)
	require.NoError(t, c.FinishSession(ctx, "s1", dataset.Summary{
		State: "ABORTED", Reason: "connection_lost", Error: "connection reset",
		FramesPlanned: 50, FramesCaptured: 3, Forced: true, RateViolations: 1, Stalls: 2, SaveFailures: 4,
		FinishedAt: finished,
	}))

	got, err = c.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "ABORTED", got.State)
	assert.Equal(t, "connection_lost", got.Reason)
	assert.Equal(t, 50, got.FramesPlanned)
	assert.Equal(t, 3, got.FramesCaptured)
	assert.True(t, got.Forced)
	assert.Equal(t, 1, got.RateViolations)
	assert.Equal(t, 2, got.Stalls)
	assert.Equal(t, 4, got.SaveFailures)
	require.NotNil(t, got.FinishedAt)
	assert.WithinDuration(t, finished, *got.FinishedAt, time.Millisecond)
}

func TestCatalogueNotFound(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalogue(t)

	_, err := c.GetSession(ctx, "missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.ErrorIs(t, c.FinishSession(ctx, "missing", dataset.Summary{State: "DONE"}), ErrSessionNotFound)
	assert.ErrorIs(t, c.DeleteSession(ctx, "missing"), ErrSessionNotFound)
}

func TestCatalogueRejectsDuplicateFrame(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalogue(t)
	startTestSession(t, c, "s1", time.Now())

	rec := dataset.FrameRecord{Index: 0, Metadata: map[string]any{}}
	require.NoError(t, c.RecordFrame(ctx, "s1", rec))
	assert.Error(t, c.RecordFrame(ctx, "s1", rec))
}

func TestCatalogueFrameNeedsSession(t *testing.T) {
	c := newTestCatalogue(t)
	err := c.RecordFrame(context.Background(), "ghost", dataset.FrameRecord{Index: 0})
	assert.Error(t, err)
}

func TestListSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalogue(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	startTestSession(t, c, "old", base)
	startTestSession(t, c, "new", base.Add(2*time.Hour))
	startTestSession(t, c, "mid", base.Add(time.Hour))

	all, err := c.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{all[0].ID, all[1].ID, all[2].ID})

	two, err := c.ListSessions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalogue(t)
	startTestSession(t, c, "s1", time.Now())
	require.NoError(t, c.RecordFrame(ctx, "s1", dataset.FrameRecord{
		Index:     0,
		Artifacts: []dataset.Artifact{{Camera: "front", Channel: "colour", Path: "a.png"}},
	}))

	require.NoError(t, c.DeleteSession(ctx, "s1"))
	n, err := c.FrameCount(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
	arts, err := c.Artifacts(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, arts)
}

func TestCatalogueAsDatasetIndexer(t *testing.T) {
	monitoring.SetLogger(nil)
	ctx := context.Background()
	c := newTestCatalogue(t)
	mfs := fsutil.NewMemoryFileSystem()

	w, err := dataset.Create(ctx, dataset.Options{
		OutputRoot: "/out",
		Prefix:     "Capture",
		Layout:     "flat",
		FS:         mfs,
		Clock:      timeutil.NewMockClock(time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)),
		Indexer:    c,
	}, session.Default())
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame(ctx, dataset.FrameRecord{Index: 0, Metadata: map[string]any{"time": 1.0}}))
	require.NoError(t, w.Finish(ctx, dataset.Summary{State: "DONE", FramesCaptured: 1}))

	got, err := c.GetSession(ctx, w.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "DONE", got.State)
	assert.Equal(t, "flat", got.Layout)
	assert.Equal(t, w.Dir(), got.Dir)
	assert.Equal(t, 1, got.FramesCaptured)
}
