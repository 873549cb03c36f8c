package session

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"clipscribe/audio"
)

type PauseMode string

const (
	// PauseCadence treats every delivered frame as activity, so a reset only
	// happens when frames stop arriving for longer than the threshold.
	PauseCadence PauseMode = "cadence"
	// PauseVAD only counts frames containing detected speech.
	PauseVAD PauseMode = "vad"
)

func ParsePauseMode(s string) (PauseMode, error) {
	switch PauseMode(s) {
	case "", PauseCadence:
		return PauseCadence, nil
	case PauseVAD:
		return PauseVAD, nil
	}
	return "", fmt.Errorf("unknown pause mode %q (want cadence or vad)", s)
}

type activityDetector interface {
	Active(frame []byte) bool
}

type cadenceDetector struct{}

func (cadenceDetector) Active([]byte) bool { return true }

const (
	vadMode       = 3
	vadFrameMs    = 20
	vadFrameBytes = audio.SampleRate * vadFrameMs / 1000 * audio.BytesPerFrame // 640 bytes
	vadDebounce   = 3                                                          // consecutive speech frames to confirm voice
)

type vadDetector struct {
	vad *webrtcvad.VAD

	buf          []byte
	speechRun    int
	totalFrames  int
	speechFrames int
}

func newVADDetector() (*vadDetector, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}
	if err := v.SetMode(vadMode); err != nil {
		return nil, err
	}
	return &vadDetector{vad: v}, nil
}

func newDetector(mode PauseMode) (activityDetector, error) {
	if mode == PauseVAD {
		d, err := newVADDetector()
		if err != nil {
			return nil, fmt.Errorf("vad: %w", err)
		}
		return d, nil
	}
	return cadenceDetector{}, nil
}

// Active reports whether speech was confirmed anywhere in data.
func (d *vadDetector) Active(data []byte) bool {
	d.buf = append(d.buf, data...)
	voiced := false
	for len(d.buf) >= vadFrameBytes {
		frame := d.buf[:vadFrameBytes]

		active, err := d.vad.Process(audio.SampleRate, frame)
		d.buf = d.buf[vadFrameBytes:]
		if err != nil {
			continue
		}
		d.totalFrames++
		if active {
			d.speechFrames++
			d.speechRun++
			if d.speechRun >= vadDebounce {
				voiced = true
			}
		} else {
			d.speechRun = 0
		}
	}
	// keep the remainder at the front so the buffer does not grow
	d.buf = append(d.buf[:0:0], d.buf...)
	return voiced
}

func (d *vadDetector) Stats() (total, speech int) {
	return d.totalFrames, d.speechFrames
}
