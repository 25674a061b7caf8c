package vad

import (
	"fmt"
	"math"

	"layeh.com/gopus"

	"github.com/RockInMyHead/voicepipe/pkg/capture"
)

// maxOpusFrameSize is the largest opus frame the decoder accepts:
// 120 ms at 48 kHz.
const maxOpusFrameSize = 5760

// OpusEstimator decodes the opus packets of a blob and computes the true
// RMS energy of the resulting PCM. It is the ground-truth loudness source;
// blobs whose packets fail to decode fall back to the size heuristic in
// the [Gate].
//
// A fresh decoder is created per blob so that decoder state never leaks
// between unrelated accumulation windows.
type OpusEstimator struct {
	sampleRate int
	channels   int
}

// NewOpusEstimator creates an estimator for opus audio at the given sample
// rate and channel count.
func NewOpusEstimator(sampleRate, channels int) *OpusEstimator {
	return &OpusEstimator{sampleRate: sampleRate, channels: channels}
}

// RMSPercent implements [EnergyEstimator]. It decodes every packet of the
// blob and returns the RMS level of the concatenated PCM as a percentage
// of 16-bit full scale. Returns an error when the blob carries no packet
// boundaries or any packet fails to decode.
func (e *OpusEstimator) RMSPercent(blob *capture.Blob) (float64, error) {
	if blob == nil || len(blob.Chunks) == 0 {
		return 0, fmt.Errorf("vad: no packet boundaries to decode")
	}

	dec, err := gopus.NewDecoder(e.sampleRate, e.channels)
	if err != nil {
		return 0, fmt.Errorf("vad: create opus decoder: %w", err)
	}

	var (
		sum float64
		n   int
	)
	for i, pkt := range blob.Chunks {
		pcm, err := dec.Decode(pkt, maxOpusFrameSize, false)
		if err != nil {
			return 0, fmt.Errorf("vad: decode packet %d: %w", i, err)
		}
		for _, s := range pcm {
			v := float64(s)
			sum += v * v
		}
		n += len(pcm)
	}
	if n == 0 {
		return 0, fmt.Errorf("vad: decoded zero samples")
	}

	rms := math.Sqrt(sum / float64(n))
	return rms / 32767.0 * 100.0, nil
}

// rmsPercent returns the RMS level of a PCM frame as a percentage of
// 16-bit full scale. Used by the interruption monitor on raw tap frames.
func rmsPercent(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(frame))) / 32767.0 * 100.0
}
