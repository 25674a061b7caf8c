package capture_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/RockInMyHead/voicepipe/pkg/capture"
	capmock "github.com/RockInMyHead/voicepipe/pkg/capture/mock"
	"github.com/RockInMyHead/voicepipe/pkg/device"
)

func TestStartRecordingNegotiatesFormat(t *testing.T) {
	t.Parallel()

	stream := capmock.NewStream()
	stream.SupportedMIMEs = []string{"audio/ogg;codecs=opus"}

	c := capture.New(device.Profile{})
	if err := c.StartRecording(stream); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer c.Cleanup()

	if got := c.MIME(); got != "audio/ogg;codecs=opus" {
		t.Errorf("negotiated MIME = %q, want audio/ogg;codecs=opus", got)
	}
}

func TestStartRecordingUnsupportedFormat(t *testing.T) {
	t.Parallel()

	stream := capmock.NewStream()
	stream.SupportedMIMEs = []string{"audio/mpeg"}

	c := capture.New(device.Profile{})
	if err := c.StartRecording(stream); !errors.Is(err, capture.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestStartRecordingIgnoredWhenActive(t *testing.T) {
	t.Parallel()

	stream := capmock.NewStream()
	c := capture.New(device.Profile{})
	if err := c.StartRecording(stream); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer c.Cleanup()

	// Second start on an active capturer is ignored, not doubled.
	if err := c.StartRecording(stream); err != nil {
		t.Fatalf("second StartRecording: %v", err)
	}
	if n := stream.RecorderCount(); n != 1 {
		t.Errorf("recorder count = %d, want 1", n)
	}
}

func TestStopRecordingConcatenatesChunks(t *testing.T) {
	t.Parallel()

	stream := capmock.NewStream()
	c := capture.New(device.Profile{})
	if err := c.StartRecording(stream); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	rec := stream.LastRecorder()
	rec.Emit([]byte("aaa"))
	rec.Emit([]byte("bbb"))

	blob, err := c.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if blob == nil {
		t.Fatal("blob is nil, want data")
	}
	if !bytes.Equal(blob.Data, []byte("aaabbb")) {
		t.Errorf("blob data = %q, want aaabbb", blob.Data)
	}
	if len(blob.Chunks) != 2 {
		t.Errorf("chunk boundaries = %d, want 2", len(blob.Chunks))
	}
	if blob.MIME != "audio/webm;codecs=opus" {
		t.Errorf("blob MIME = %q", blob.MIME)
	}

	// Accumulator is cleared: a fresh start+stop with no chunks yields nil.
	if err := c.StartRecording(stream); err != nil {
		t.Fatalf("restart: %v", err)
	}
	blob2, err := c.StopRecording()
	if err != nil {
		t.Fatalf("second StopRecording: %v", err)
	}
	if blob2 != nil {
		t.Errorf("blob after empty window = %+v, want nil", blob2)
	}
}

func TestStopRecordingWithoutRecorder(t *testing.T) {
	t.Parallel()

	c := capture.New(device.Profile{})
	blob, err := c.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if blob != nil {
		t.Errorf("blob = %+v, want nil", blob)
	}
}

func TestPauseResumeToggle(t *testing.T) {
	t.Parallel()

	stream := capmock.NewStream()
	c := capture.New(device.Profile{})
	if err := c.StartRecording(stream); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer c.Cleanup()

	rec := stream.LastRecorder()

	// Resume while not paused is a no-op.
	c.ResumeRecording()
	if c.IsPaused() {
		t.Fatal("capturer paused after no-op resume")
	}

	c.PauseRecording()
	if !c.IsPaused() || !rec.Paused() {
		t.Fatal("capturer not paused after PauseRecording")
	}

	// Pause while already paused is a no-op.
	c.PauseRecording()
	if !c.IsPaused() {
		t.Fatal("pause state lost on redundant pause")
	}

	c.ResumeRecording()
	if c.IsPaused() || rec.Paused() {
		t.Fatal("capturer still paused after ResumeRecording")
	}
	if !c.IsRecording() {
		t.Fatal("recording flag lost across pause/resume")
	}
}

func TestDiscardDropsAccumulatedChunks(t *testing.T) {
	t.Parallel()

	stream := capmock.NewStream()
	c := capture.New(device.Profile{})
	if err := c.StartRecording(stream); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer c.Cleanup()

	rec := stream.LastRecorder()
	rec.Emit([]byte("stale"))
	// Let the collector drain the chunk before discarding it.
	time.Sleep(50 * time.Millisecond)

	c.Discard()
	if !c.IsRecording() {
		t.Fatal("recording ended by Discard")
	}

	rec.Emit([]byte("fresh"))
	blob, err := c.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if blob == nil || !bytes.Equal(blob.Data, []byte("fresh")) {
		t.Errorf("blob data = %q, want only post-discard chunks", blob.Data)
	}

	// Discard without a recorder is a no-op.
	idle := capture.New(device.Profile{})
	idle.Discard()
}

func TestCleanupIdempotent(t *testing.T) {
	t.Parallel()

	stream := capmock.NewStream()
	c := capture.New(device.Profile{})
	if err := c.StartRecording(stream); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	stream.LastRecorder().Emit([]byte("x"))

	c.Cleanup()
	c.Cleanup()

	if c.IsRecording() {
		t.Error("still recording after cleanup")
	}
	if got := stream.Track().StopCount(); got < 1 {
		t.Errorf("track stop count = %d, want >= 1", got)
	}

	// Cleanup before any recording must also be safe.
	fresh := capture.New(device.Profile{})
	fresh.Cleanup()
}

func TestChunkIntervalPerDevice(t *testing.T) {
	t.Parallel()

	ios := capture.New(device.Profile{IsIOS: true})
	if got := ios.ChunkInterval(); got != 3*time.Second {
		t.Errorf("iOS chunk interval = %v, want 3s", got)
	}
	other := capture.New(device.Profile{})
	if got := other.ChunkInterval(); got != time.Second {
		t.Errorf("default chunk interval = %v, want 1s", got)
	}
}

func TestChunksAccumulateAcrossCollect(t *testing.T) {
	t.Parallel()

	stream := capmock.NewStream()
	c := capture.New(device.Profile{})
	if err := c.StartRecording(stream); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	rec := stream.LastRecorder()
	for i := 0; i < 10; i++ {
		rec.Emit([]byte{byte(i)})
	}

	// StopRecording waits for the collector to drain, so every emitted
	// chunk must be present.
	blob, err := c.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if blob == nil || len(blob.Data) != 10 {
		t.Fatalf("blob = %v, want 10 bytes", blob)
	}
}
