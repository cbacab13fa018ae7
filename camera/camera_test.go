package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestEffectiveShape(t *testing.T) {
	rows, cols := EffectiveShape(AOI{Width: 2048, Height: 1024}, Binning{H: 2, V: 4})
	if rows != 256 || cols != 1024 {
		t.Errorf("expected (256, 1024), got (%d, %d)", rows, cols)
	}
	rows, cols = EffectiveShape(AOI{Width: 64, Height: 32}, Binning{})
	if rows != 32 || cols != 64 {
		t.Errorf("zero binning should act as 1, got (%d, %d)", rows, cols)
	}
}

func TestReshape(t *testing.T) {
	f := Frame{Data: []uint16{1, 2, 3, 4, 5, 6}}
	img, err := f.Reshape(2, 3)
	if err != nil {
		t.Fatal(err)
	}
	expected := [][]uint16{{1, 2, 3}, {4, 5, 6}}
	if diff := cmp.Diff(expected, img); diff != "" {
		t.Errorf("reshape mismatch (-want +got):\n%s", diff)
	}
	if _, err := f.Reshape(4, 4); err == nil {
		t.Error("expected an error reshaping 6 pixels to 4x4")
	}
}

func TestParseAcquisitionMode(t *testing.T) {
	m, err := ParseAcquisitionMode("Run_Till_Abort")
	if err != nil || m != RunTillAbort {
		t.Errorf("expected RunTillAbort, got %v %v", m, err)
	}
	_, err = ParseAcquisitionMode("burst")
	var ee EnumError
	if !errors.As(err, &ee) {
		t.Errorf("expected an EnumError, got %v", err)
	}
	var tm AcquisitionMode
	if err := tm.UnmarshalText([]byte("fixed_length")); err != nil || tm != FixedLength {
		t.Errorf("UnmarshalText: got %v %v", tm, err)
	}
}

func newExternal(t *testing.T, buffers int, mode AcquisitionMode, nframes int) *Mock {
	t.Helper()
	m := NewMock(8, 4, buffers)
	m.Timeout = 200 * time.Millisecond
	if err := m.SetTriggerSource(SourceExternal); err != nil {
		t.Fatal(err)
	}
	if err := m.SetAcquisitionMode(mode); err != nil {
		t.Fatal(err)
	}
	if err := m.SetNumberFrames(nframes); err != nil {
		t.Fatal(err)
	}
	return m
}

func numbers(frames []Frame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.Number
	}
	return out
}

func TestMockFixedLengthStopsAfterN(t *testing.T) {
	m := newExternal(t, 10, FixedLength, 3)
	if n := m.NumberImageBuffers(); n != 3 {
		t.Errorf("fixed length ring should hold the requested frames, got %d slots", n)
	}
	if err := m.StartAcquisition(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		m.Pulse()
	}
	frames, err := m.GetFrames(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint64{0, 1, 2}, numbers(frames)); diff != "" {
		t.Errorf("frame numbers (-want +got):\n%s", diff)
	}
	if frames[0].Width != 8 || frames[0].Height != 4 || len(frames[0].Data) != 32 {
		t.Errorf("unexpected frame geometry %dx%d len %d", frames[0].Width, frames[0].Height, len(frames[0].Data))
	}
	if _, err = m.GetFrames(context.Background()); err != ErrNotAcquiring {
		t.Errorf("expected ErrNotAcquiring after the sequence completed, got %v", err)
	}
}

func TestMockBacklogAndBufferIndex(t *testing.T) {
	m := newExternal(t, 4, RunTillAbort, 4)
	if idx := m.BufferIndex(); idx != -1 {
		t.Errorf("expected -1 before any capture, got %d", idx)
	}
	if err := m.StartAcquisition(); err != nil {
		t.Fatal(err)
	}
	m.Pulse()
	m.Pulse()
	f, err := m.GetLastFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.Number != 1 || f.Slot != 1 {
		t.Errorf("expected newest frame 1 in slot 1, got %d in %d", f.Number, f.Slot)
	}
	if b := m.Backlog(); b != 2 {
		t.Errorf("expected backlog 2, got %d", b)
	}
	for i := 0; i < 3; i++ {
		m.Pulse()
	}
	if idx := m.BufferIndex(); idx != 0 {
		t.Errorf("expected the ring to wrap to slot 0, got %d", idx)
	}
	f, err = m.GetRequiredFrame(context.Background(), 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if f.Number != 4 {
		t.Errorf("expected slot 0 to hold frame 4, got %d", f.Number)
	}
	if b := m.Backlog(); b != 3 {
		t.Errorf("expected backlog 3, got %d", b)
	}
	if _, err = m.GetRequiredFrame(context.Background(), 4, 0); err != ErrBadSlot {
		t.Errorf("expected ErrBadSlot, got %v", err)
	}
}

func TestMockRequiredFrameWaitsForCapture(t *testing.T) {
	m := newExternal(t, 4, RunTillAbort, 4)
	if err := m.StartAcquisition(); err != nil {
		t.Fatal(err)
	}
	m.Pulse()
	type result struct {
		f   Frame
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := m.GetRequiredFrame(context.Background(), 1, 1)
		done <- result{f, err}
	}()
	select {
	case r := <-done:
		t.Fatalf("returned slot 1 before it was written: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
	m.Pulse()
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if r.f.Number != 1 || r.f.Slot != 1 {
			t.Errorf("expected frame 1 in slot 1, got %d in %d", r.f.Number, r.f.Slot)
		}
	case <-time.After(time.Second):
		t.Fatal("GetRequiredFrame did not return after the slot was written")
	}

	// slot 0 holds frame 0; frame 4 will never arrive once capture halts
	if err := m.StopAcquisitionNotReleasing(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetRequiredFrame(context.Background(), 0, 4); err != ErrNotAcquiring {
		t.Errorf("expected ErrNotAcquiring for a stale slot after a halt, got %v", err)
	}
	if f, err := m.GetRequiredFrame(context.Background(), 0, 0); err != nil || f.Number != 0 {
		t.Errorf("expected frame 0 from slot 0, got %d, %v", f.Number, err)
	}
}

func TestMockStopNotReleasing(t *testing.T) {
	m := newExternal(t, 4, RunTillAbort, 4)
	if err := m.StartAcquisition(); err != nil {
		t.Fatal(err)
	}
	m.Pulse()
	if err := m.StopAcquisitionNotReleasing(); err != nil {
		t.Fatal(err)
	}
	m.Pulse()
	if idx := m.BufferIndex(); idx != 0 {
		t.Errorf("capture continued after a non-releasing stop, buffer index %d", idx)
	}
	if _, err := m.GetRequiredFrame(context.Background(), 0, 0); err != nil {
		t.Errorf("ring should remain readable, got %v", err)
	}
	if err := m.StopAcquisition(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetRequiredFrame(context.Background(), 0, 0); err != ErrNotAcquiring {
		t.Errorf("expected ErrNotAcquiring after release, got %v", err)
	}
	if err := m.StopAcquisition(); err != nil {
		t.Errorf("second stop should be harmless, got %v", err)
	}
}

func TestMockFetchCanceled(t *testing.T) {
	m := newExternal(t, 4, RunTillAbort, 4)
	m.Timeout = 5 * time.Second
	if err := m.StartAcquisition(); err != nil {
		t.Fatal(err)
	}
	defer m.StopAcquisition()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := m.GetFrames(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMockFetchTimeout(t *testing.T) {
	m := newExternal(t, 4, RunTillAbort, 4)
	m.Timeout = 20 * time.Millisecond
	if err := m.StartAcquisition(); err != nil {
		t.Fatal(err)
	}
	defer m.StopAcquisition()
	if _, err := m.GetLastFrame(context.Background()); err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestMockInternalTrigger(t *testing.T) {
	m := NewMock(4, 4, 8)
	if err := m.SetExposureTime(time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := m.StartAcquisition(); err != nil {
		t.Fatal(err)
	}
	defer m.StopAcquisition()
	frames, err := m.GetFrames(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) == 0 {
		t.Error("expected at least one frame from the internal clock")
	}
	if err := m.StartAcquisition(); err == nil {
		t.Error("expected starting twice to fail")
	}
}
