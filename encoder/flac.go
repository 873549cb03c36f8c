// Package encoder archives captured session audio as FLAC.
package encoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"

	"clipscribe/audio"
)

// FLAC encodes mono S16LE frames, one FLAC frame per Write.
type FLAC struct {
	mu      sync.Mutex
	w       io.Writer
	enc     *flac.Encoder
	samples uint64
	closed  bool
}

func NewFLAC(w io.Writer) (*FLAC, error) {
	info := &meta.StreamInfo{
		BlockSizeMin:  16,
		BlockSizeMax:  audio.FrameSamples,
		SampleRate:    audio.SampleRate,
		NChannels:     audio.Channels,
		BitsPerSample: audio.BitsPerSample,
	}
	enc, err := flac.NewEncoder(w, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	return &FLAC{w: w, enc: enc}, nil
}

// CreateFLAC creates path, and any missing parent directories, and returns
// an encoder writing to it.
func CreateFLAC(path string) (*FLAC, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	e, err := NewFLAC(f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return e, nil
}

func (e *FLAC) Write(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("odd PCM length %d", len(pcm))
	}
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	if n > audio.FrameSamples {
		return fmt.Errorf("frame of %d samples exceeds %d", n, audio.FrameSamples)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return os.ErrClosed
	}

	samples := make([]int32, n)
	for i := range samples {
		samples[i] = int32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(n),
			SampleRate:    audio.SampleRate,
			Channels:      frame.ChannelsMono,
			BitsPerSample: audio.BitsPerSample,
		},
		Subframes: []*frame.Subframe{{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples,
			NSamples:  n,
		}},
	}
	if err := e.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing flac frame: %w", err)
	}
	e.samples += uint64(n)
	return nil
}

// Samples reports how many samples have been encoded.
func (e *FLAC) Samples() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}

// Close flushes the stream and closes the underlying writer if it is a
// closer. Safe to call more than once.
func (e *FLAC) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.enc.Close()
	if c, ok := e.w.(io.Closer); ok {
		// the encoder may already have closed it
		if cerr := c.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) && err == nil {
			err = cerr
		}
	}
	return err
}
