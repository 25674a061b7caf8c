// Package device implements one-shot capability profiling for the caller's
// platform. A [Profile] is computed once when a call starts — from the
// platform/user-agent strings and the capability set reported by the web
// client — and is read-only afterwards. Every downstream pipeline component
// (capture intervals, VAD thresholds, echo windows, strategy selection)
// derives its device-specific behaviour from the same immutable Profile.
//
// Absence of an API on the client is a boolean flag, never an error:
// capability gaps drive strategy selection, not failure paths.
package device

import "strings"

// Capabilities is the API support set reported by the web client during the
// call handshake. Each flag mirrors a feature-detection check performed in
// the browser before the call is opened.
type Capabilities struct {
	// SpeechRecognition reports whether the client exposes a continuous
	// speech-recognition engine (webkitSpeechRecognition or equivalent).
	SpeechRecognition bool

	// MediaDevices reports whether getUserMedia-style microphone access
	// is available.
	MediaDevices bool

	// MediaRecorder reports whether segmented audio recording is available.
	MediaRecorder bool
}

// Profile is the immutable device capability profile for one call.
// It is created exactly once by [Detect] and never mutated.
type Profile struct {
	IsIOS     bool
	IsAndroid bool
	IsMobile  bool
	IsSafari  bool

	// HasEchoProblems marks browsers whose acoustic echo cancellation is
	// known to be weak, requiring longer post-TTS protection windows.
	HasEchoProblems bool

	HasSpeechRecognitionSupport bool
	HasMediaDevicesSupport      bool
	HasMediaRecorderSupport     bool

	// Platform and UserAgent are the raw strings the profile was derived
	// from, retained for diagnostics.
	Platform  string
	UserAgent string
}

// Detect computes a [Profile] from the raw platform/user-agent strings and
// the client-reported capability set. It is pure and idempotent: the same
// inputs always produce the same Profile.
func Detect(platform, userAgent string, caps Capabilities) Profile {
	ua := strings.ToLower(userAgent)
	plat := strings.ToLower(platform)

	isIOS := strings.Contains(ua, "iphone") ||
		strings.Contains(ua, "ipad") ||
		strings.Contains(ua, "ipod") ||
		strings.Contains(plat, "iphone") ||
		strings.Contains(plat, "ipad")

	isAndroid := strings.Contains(ua, "android")

	isMobile := isIOS || isAndroid || strings.Contains(ua, "mobile")

	// Chrome on iOS (CriOS) and Edge both embed "safari" in their UA;
	// only count real Safari.
	isSafari := strings.Contains(ua, "safari") &&
		!strings.Contains(ua, "chrome") &&
		!strings.Contains(ua, "crios") &&
		!strings.Contains(ua, "android")

	isChromium := strings.Contains(ua, "chrome") || strings.Contains(ua, "chromium")

	// iOS routes everything through the system AEC which behaves well;
	// Android and desktop Chromium feed speaker output back into the
	// microphone far more often.
	hasEchoProblems := isAndroid || (!isIOS && isChromium)

	return Profile{
		IsIOS:                       isIOS,
		IsAndroid:                   isAndroid,
		IsMobile:                    isMobile,
		IsSafari:                    isSafari,
		HasEchoProblems:             hasEchoProblems,
		HasSpeechRecognitionSupport: caps.SpeechRecognition,
		HasMediaDevicesSupport:      caps.MediaDevices,
		HasMediaRecorderSupport:     caps.MediaRecorder,
		Platform:                    platform,
		UserAgent:                   userAgent,
	}
}

// PreferredSampleRate returns the microphone sample rate (Hz) to request
// for this device. iOS hardware is fixed at 44.1 kHz; everything else is
// asked for 48 kHz and may downmix later.
func (p Profile) PreferredSampleRate() int {
	if p.IsIOS {
		return 44100
	}
	return 48000
}
