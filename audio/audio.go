package audio

import "strings"

// Capture format expected by every recognizer engine.
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BytesPerFrame = BitsPerSample / 8 * Channels

	// FrameSamples is the number of samples handed to the recognizer per read.
	FrameSamples = 4096
	FrameBytes   = FrameSamples * BytesPerFrame
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name whether the microphone is a
// headset running in the low-bandwidth hands-free profile.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
	Gain       int // linear software gain applied to S16 samples; <= 1 means none
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{SampleRate: SampleRate, Channels: Channels, Gain: 1}
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// Lossless is implemented by captures that can wait for the reader instead
// of losing audio, such as unpaced file playback.
type Lossless interface {
	Lossless() bool
}

// applyGain scales little-endian S16 samples in place, clipping at the rails.
func applyGain(data []byte, gain int) {
	if gain <= 1 {
		return
	}
	for i := 0; i+1 < len(data); i += 2 {
		s := int32(int16(uint16(data[i]) | uint16(data[i+1])<<8))
		s *= int32(gain)
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		v := uint16(int16(s))
		data[i] = byte(v)
		data[i+1] = byte(v >> 8)
	}
}
