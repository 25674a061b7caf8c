package device

import "testing"

const (
	iosSafariUA     = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	androidChromeUA = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36"
	desktopChromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	macSafariUA     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"
)

func TestDetect(t *testing.T) {
	t.Parallel()

	allCaps := Capabilities{SpeechRecognition: true, MediaDevices: true, MediaRecorder: true}

	tests := []struct {
		name      string
		platform  string
		userAgent string
		want      Profile
	}{
		{
			name:      "iOS Safari",
			platform:  "iPhone",
			userAgent: iosSafariUA,
			want: Profile{
				IsIOS: true, IsMobile: true, IsSafari: true,
			},
		},
		{
			name:      "Android Chrome",
			platform:  "Linux armv8l",
			userAgent: androidChromeUA,
			want: Profile{
				IsAndroid: true, IsMobile: true, HasEchoProblems: true,
			},
		},
		{
			name:      "desktop Chrome",
			platform:  "Win32",
			userAgent: desktopChromeUA,
			want: Profile{
				HasEchoProblems: true,
			},
		},
		{
			name:      "macOS Safari",
			platform:  "MacIntel",
			userAgent: macSafariUA,
			want: Profile{
				IsSafari: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Detect(tt.platform, tt.userAgent, allCaps)
			if got.IsIOS != tt.want.IsIOS {
				t.Errorf("IsIOS = %v, want %v", got.IsIOS, tt.want.IsIOS)
			}
			if got.IsAndroid != tt.want.IsAndroid {
				t.Errorf("IsAndroid = %v, want %v", got.IsAndroid, tt.want.IsAndroid)
			}
			if got.IsMobile != tt.want.IsMobile {
				t.Errorf("IsMobile = %v, want %v", got.IsMobile, tt.want.IsMobile)
			}
			if got.IsSafari != tt.want.IsSafari {
				t.Errorf("IsSafari = %v, want %v", got.IsSafari, tt.want.IsSafari)
			}
			if got.HasEchoProblems != tt.want.HasEchoProblems {
				t.Errorf("HasEchoProblems = %v, want %v", got.HasEchoProblems, tt.want.HasEchoProblems)
			}
		})
	}
}

func TestDetectIdempotent(t *testing.T) {
	t.Parallel()

	caps := Capabilities{MediaDevices: true}
	a := Detect("iPhone", iosSafariUA, caps)
	b := Detect("iPhone", iosSafariUA, caps)
	if a != b {
		t.Fatalf("Detect is not idempotent: %+v != %+v", a, b)
	}
	if a.HasSpeechRecognitionSupport {
		t.Error("SpeechRecognition flag should follow reported capabilities")
	}
	if !a.HasMediaDevicesSupport {
		t.Error("MediaDevices flag should follow reported capabilities")
	}
}

func TestPreferredSampleRate(t *testing.T) {
	t.Parallel()

	ios := Detect("iPhone", iosSafariUA, Capabilities{})
	if got := ios.PreferredSampleRate(); got != 44100 {
		t.Errorf("iOS sample rate = %d, want 44100", got)
	}
	desktop := Detect("Win32", desktopChromeUA, Capabilities{})
	if got := desktop.PreferredSampleRate(); got != 48000 {
		t.Errorf("desktop sample rate = %d, want 48000", got)
	}
}
