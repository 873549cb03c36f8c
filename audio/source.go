package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrSourceClosed is returned by Read after Close.
var ErrSourceClosed = errors.New("audio source closed")

// sourceBuffer bounds how far capture can run ahead of the reader.
const sourceBuffer = 64

// Source turns capture callbacks of arbitrary size into fixed FrameBytes
// frames. When the reader falls behind, whole frames are dropped, unless the
// capture is Lossless, in which case the capture callback blocks instead.
type Source struct {
	capture CaptureDevice
	frames  chan []byte
	done    chan struct{}
	block   bool

	mu      sync.Mutex
	pending []byte

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// OpenSource opens and starts a capture on device (nil for the system
// default) from actx. The device is released by Close.
func OpenSource(actx Context, device *DeviceInfo, config CaptureConfig) (*Source, error) {
	capture, err := actx.NewCapture(device, config)
	if err != nil {
		return nil, fmt.Errorf("creating capture: %w", err)
	}
	s := &Source{
		capture: capture,
		frames:  make(chan []byte, sourceBuffer),
		done:    make(chan struct{}),
		pending: make([]byte, 0, FrameBytes*2),
	}
	if l, ok := capture.(Lossless); ok {
		s.block = l.Lossless()
	}
	capture.SetCallback(s.onData)
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		return nil, fmt.Errorf("starting capture: %w", err)
	}
	return s, nil
}

func (s *Source) onData(data []byte, _ uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, data...)
	for len(s.pending) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, s.pending[:FrameBytes])
		s.pending = append(s.pending[:0], s.pending[FrameBytes:]...)

		if s.block {
			select {
			case <-s.done:
				return
			case s.frames <- frame:
			}
			continue
		}
		select {
		case <-s.done:
			return
		case s.frames <- frame:
		default:
			s.dropped.Add(1)
		}
	}
}

// Read blocks until a full frame is available, ctx is done, or the source
// is closed.
func (s *Source) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSourceClosed
	case frame := <-s.frames:
		return frame, nil
	}
}

// Dropped reports how many frames were discarded because the reader lagged.
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Source) DeviceName() string {
	return s.capture.DeviceName()
}

// Close stops and releases the capture device. Safe to call more than once.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.capture.ClearCallback()
		s.capture.Stop()
		s.capture.Close()
	})
}
