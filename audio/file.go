package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
)

const fileChunkSamples = 1024

// FileContext is a Context backed by a decoded WAV or FLAC recording instead
// of a microphone. After the recording runs out it keeps feeding silence, the
// way a quiet room would.
type FileContext struct {
	name     string
	pcm      []byte
	realtime bool

	doneOnce sync.Once
	done     chan struct{}
}

// NewFileContext decodes path (WAV or FLAC, any rate or channel count) to
// 16 kHz mono S16LE. With realtime set, frames are paced at the speed they
// would arrive from a device.
func NewFileContext(path string, realtime bool) (*FileContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pcm []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".flac":
		pcm, err = decodeFLAC(data)
	default:
		pcm, err = decodeWAV(data)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	f := NewPCMContext(pcm, realtime)
	f.name = filepath.Base(path)
	return f, nil
}

// NewPCMContext serves raw 16 kHz mono S16LE audio.
func NewPCMContext(pcm []byte, realtime bool) *FileContext {
	return &FileContext{name: "pcm", pcm: pcm, realtime: realtime, done: make(chan struct{})}
}

// Done is closed once a capture has fed the whole recording.
func (f *FileContext) Done() <-chan struct{} { return f.done }

func (f *FileContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "file", Name: f.name}}, nil
}

func (f *FileContext) Close() {}

func (f *FileContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	return &FileCapture{ctx: f}, nil
}

type FileCapture struct {
	ctx *FileContext

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FileCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FileCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FileCapture) DeviceName() string { return f.ctx.name }

// Lossless reports whether the consumer should push back on an unpaced feed
// rather than drop frames.
func (f *FileCapture) Lossless() bool { return !f.ctx.realtime }

func (f *FileCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FileCapture) Start() error {
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})

	chunkBytes := fileChunkSamples * BytesPerFrame
	interval := time.Millisecond
	if f.ctx.realtime {
		interval = time.Duration(fileChunkSamples) * time.Second / SampleRate
	}
	pcm := f.ctx.pcm

	go func() {
		defer close(f.feedDone)
		silence := make([]byte, chunkBytes)
		pos := 0
		for {
			select {
			case <-f.stopCh:
				return
			default:
			}

			if cb := f.callback(); cb != nil {
				if pos < len(pcm) {
					end := min(pos+chunkBytes, len(pcm))
					chunk := make([]byte, end-pos)
					copy(chunk, pcm[pos:end])
					cb(chunk, uint32(len(chunk)/BytesPerFrame))
					pos = end
				} else {
					f.ctx.doneOnce.Do(func() { close(f.ctx.done) })
					cb(silence, fileChunkSamples)
				}
			}

			select {
			case <-f.stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (f *FileCapture) Stop() {
	if f.stopCh == nil {
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.feedDone
}

func (f *FileCapture) Close() {}

func decodeWAV(data []byte) ([]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("reading PCM: %w", err)
	}
	// 8-bit WAV samples are unsigned
	return toPCM16Mono(buf.Data, int(dec.NumChans), int(dec.BitDepth), int(dec.SampleRate), true)
}

func decodeFLAC(data []byte) ([]byte, error) {
	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	chans := int(stream.Info.NChannels)
	var samples []int
	for {
		fr, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("flac frame: %w", err)
		}
		n := fr.Subframes[0].NSamples
		for i := 0; i < n; i++ {
			for ch := 0; ch < chans; ch++ {
				samples = append(samples, int(fr.Subframes[ch].Samples[i]))
			}
		}
	}
	return toPCM16Mono(samples, chans, int(stream.Info.BitsPerSample), int(stream.Info.SampleRate), false)
}

// toPCM16Mono down-mixes interleaved samples, rescales them to 16 bits and
// resamples to SampleRate. unsigned8 marks 8-bit input stored with a 128
// offset.
func toPCM16Mono(interleaved []int, chans, bitDepth, rate int, unsigned8 bool) ([]byte, error) {
	if chans < 1 {
		return nil, fmt.Errorf("invalid channel count %d", chans)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", rate)
	}
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}

	mono := make([]int, len(interleaved)/chans)
	for i := range mono {
		sum := 0
		for ch := 0; ch < chans; ch++ {
			sum += interleaved[i*chans+ch]
		}
		s := sum / chans
		switch {
		case bitDepth == 8 && unsigned8:
			s = (s - 128) << 8
		case bitDepth == 8:
			s <<= 8
		case bitDepth > 16:
			s >>= bitDepth - 16
		}
		mono[i] = s
	}

	mono = resample(mono, rate, SampleRate)

	out := make([]byte, len(mono)*BytesPerFrame)
	for i, s := range mono {
		s = max(min(s, 32767), -32768)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out, nil
}

// resample converts between rates by linear interpolation.
func resample(in []int, from, to int) []int {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j+1 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}
