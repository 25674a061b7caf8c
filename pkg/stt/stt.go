// Package stt defines the speech-to-text strategy contract of the call
// pipeline.
//
// Two strategies exist: a streaming recognition engine session
// ([github.com/RockInMyHead/voicepipe/pkg/stt/stream]) and
// chunked server-side transcription
// ([github.com/RockInMyHead/voicepipe/pkg/stt/openai]). The pipeline picks
// one per call based on the device profile and may fall back from the
// first to the second at runtime.
package stt

import (
	"context"
	"errors"
)

// Source identifies which strategy produced a transcript.
type Source string

const (
	// SourceBrowser marks transcripts from the streaming recognition
	// engine.
	SourceBrowser Source = "browser"

	// SourceOpenAI marks transcripts from chunked server transcription.
	SourceOpenAI Source = "openai"
)

// Transcript is a single recognition result.
type Transcript struct {
	// Text is the recognized speech content.
	Text string

	// IsFinal indicates an authoritative result rather than an interim
	// hypothesis.
	IsFinal bool

	// Source names the strategy that produced the result.
	Source Source
}

// Strategy is a running recognition strategy bound to one call. Results
// reach the owner through the callback given at construction; the
// interface only covers lifecycle.
//
// Pause and Resume are the TTS-playback coordination points: Pause stops
// recognition without giving up the session, Resume picks it back up.
// Both are idempotent.
type Strategy interface {
	// Start begins recognition. It returns once the strategy is live;
	// recognition itself runs in the background until Stop.
	Start(ctx context.Context) error

	// Stop ends recognition and releases the strategy's resources.
	// Safe to call repeatedly.
	Stop()

	// Pause suspends recognition while keeping the strategy active.
	Pause()

	// Resume restarts recognition after a Pause. A no-op when not paused.
	Resume()
}

// ErrStrategyFailed is reported through a strategy's error callback when
// it has exhausted its internal retry budget and cannot recover. The
// pipeline responds by switching to the fallback strategy.
var ErrStrategyFailed = errors.New("stt: strategy failed")
