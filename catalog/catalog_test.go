package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/modscope/acquisition"
	"github.com/nasa-jpl/modscope/camera"
)

func open(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "db", "catalog.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func session(id string, started time.Time) acquisition.Session {
	return acquisition.Session{
		ID:         id,
		Mode:       camera.FixedLength,
		Started:    started,
		DMDTrigger: true,
		SaveToDisk: true,
		Expected:   5,
		FrameIndex: -1,
	}
}

func TestBeginFinishGet(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	t0 := time.Date(2021, 7, 7, 10, 25, 27, 0, time.UTC)
	s := session("a", t0)
	c.SessionStarted(s)
	e, err := c.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if e.Finished != nil || e.Outcome != "" {
		t.Errorf("running session has an end: %+v", e)
	}
	s.Dataset = "/data/210707_102527_ModulatedMeasurement.zarr"
	s.Stored = 5
	s.FrameIndex = 4
	c.SessionEnded(acquisition.Report{Session: s, Finished: t0.Add(time.Second), Outcome: acquisition.Completed})
	e, err = c.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	fin := t0.Add(time.Second)
	want := Entry{
		ID:         "a",
		Started:    t0,
		Finished:   &fin,
		Mode:       "fixed_length",
		DMDTrigger: true,
		SaveToDisk: true,
		Dataset:    s.Dataset,
		Expected:   5,
		Stored:     5,
		Outcome:    "completed",
	}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("entry (-want +got):\n%s", diff)
	}
}

func TestFinishWithoutBegin(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	s := session("b", time.Now())
	err := c.Finish(ctx, acquisition.Report{Session: s, Finished: time.Now(), Outcome: acquisition.Failed, Err: "camera unplugged"})
	if err != nil {
		t.Fatal(err)
	}
	e, err := c.Get(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if e.Outcome != "failed" || e.Err != "camera unplugged" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestListNewestFirst(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	t0 := time.Now()
	for i, id := range []string{"x", "y", "z"} {
		if err := c.Begin(ctx, session(id, t0.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	all, err := c.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, e := range all {
		ids = append(ids, e.ID)
	}
	if diff := cmp.Diff([]string{"z", "y", "x"}, ids); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	two, err := c.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(two) != 2 {
		t.Errorf("expected 2 entries, got %d", len(two))
	}
	if _, err := c.Get(ctx, "nope"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Begin(context.Background(), session("keep", time.Now())); err != nil {
		t.Fatal(err)
	}
	c.Close()
	c, err = Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Get(context.Background(), "keep"); err != nil {
		t.Errorf("session lost across reopen: %v", err)
	}
}
