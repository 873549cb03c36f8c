package doctor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"clipscribe/audio"
	"clipscribe/transcriber"
)

type Options struct {
	Out       io.Writer
	OpenAudio func() (audio.Context, error)
	MicIndex  *int
	Listen    time.Duration // how long to sample the microphone; default 2s

	Engine transcriber.Engine

	CheckClipboard func() error // optional preflight before the round trip
	Publish        func(text string) error
	ReadClipboard  func() (string, error)
}

type check struct {
	name string
	run  func(ctx context.Context) (string, error)
}

// Run executes the diagnostic checks in order and returns an exit code
// (0=all pass, 1=any fail). Later checks still run after a failure so the
// report is complete.
func Run(ctx context.Context, opts Options) int {
	out := opts.Out
	if opts.Listen <= 0 {
		opts.Listen = 2 * time.Second
	}

	fmt.Fprintln(out, "clipscribe doctor - system diagnostics")
	fmt.Fprintln(out, "======================================")

	checks := []check{
		{"Audio devices", opts.checkDevices},
		{"Microphone signal", opts.checkMicrophone},
		{"Speech recognizer", opts.checkRecognizer},
		{"Clipboard", opts.checkClipboard},
	}

	allPass := true
	for i, c := range checks {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "[%d/%d] %s\n", i+1, len(checks), c.name)
		msg, err := c.run(ctx)
		if err != nil {
			fmt.Fprintf(out, "  FAIL: %v\n", err)
			allPass = false
			continue
		}
		fmt.Fprintf(out, "  PASS: %s\n", msg)
	}

	fmt.Fprintln(out)
	if allPass {
		fmt.Fprintln(out, "All checks passed!")
		return 0
	}
	fmt.Fprintln(out, "Some checks failed. See details above.")
	return 1
}

func (o *Options) checkDevices(context.Context) (string, error) {
	actx, err := o.OpenAudio()
	if err != nil {
		return "", fmt.Errorf("cannot connect to audio: %w", err)
	}
	defer actx.Close()

	devices, err := audio.ListInputDevices(actx)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", audio.ErrNoDevices
	}
	for _, d := range devices {
		tag := ""
		if audio.IsBluetooth(d.Name) {
			tag = "  (bluetooth: lower audio quality)"
		}
		fmt.Fprintf(o.Out, "  %d. %s%s\n", d.Index, d.Name, tag)
	}
	return fmt.Sprintf("%d capture device(s)", len(devices)), nil
}

func (o *Options) checkMicrophone(ctx context.Context) (string, error) {
	actx, err := o.OpenAudio()
	if err != nil {
		return "", fmt.Errorf("cannot connect to audio: %w", err)
	}
	defer actx.Close()

	var device *audio.DeviceInfo
	if o.MicIndex != nil {
		if device, err = audio.DeviceByIndex(actx, *o.MicIndex); err != nil {
			return "", err
		}
	}
	src, err := audio.OpenSource(actx, device, audio.DefaultCaptureConfig())
	if err != nil {
		return "", err
	}
	defer src.Close()

	fmt.Fprintf(o.Out, "  Listening on %s for %s...\n", src.DeviceName(), o.Listen)
	listenCtx, cancel := context.WithTimeout(ctx, o.Listen)
	defer cancel()

	var pcm []byte
	for {
		frame, err := src.Read(listenCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return "", err
		}
		pcm = append(pcm, frame...)
	}
	if len(pcm) == 0 {
		return "", errors.New("no audio captured")
	}
	peak, rms := levels(pcm)
	if peak == 0 {
		return "", fmt.Errorf("captured %.1fs of pure silence (muted microphone?)", seconds(pcm))
	}
	return fmt.Sprintf("captured %.1fs, peak %d, rms %.0f", seconds(pcm), peak, rms), nil
}

func (o *Options) checkRecognizer(ctx context.Context) (string, error) {
	if o.Engine == nil {
		return "", errors.New("no recognizer configured")
	}
	start := time.Now()
	rec, err := o.Engine.NewRecognizer(ctx)
	if err != nil {
		return "", err
	}
	defer rec.Close()
	if _, err := rec.Process(ctx, make([]byte, audio.FrameBytes)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s answered in %dms", o.Engine.Name(), time.Since(start).Milliseconds()), nil
}

// checkClipboard writes a sentinel, reads it back and restores what was
// there before.
func (o *Options) checkClipboard(context.Context) (string, error) {
	if o.CheckClipboard != nil {
		if err := o.CheckClipboard(); err != nil {
			return "", err
		}
	}
	previous, _ := o.ReadClipboard()
	sentinel := fmt.Sprintf("clipscribe-doctor-%d", time.Now().UnixNano())
	if err := o.Publish(sentinel); err != nil {
		return "", err
	}
	defer o.Publish(previous)

	got, err := o.ReadClipboard()
	if err != nil {
		return "", fmt.Errorf("clipboard read failed: %w", err)
	}
	if got != sentinel {
		return "", fmt.Errorf("clipboard mismatch: wrote %q, got %q", sentinel, got)
	}
	return "clipboard write/read verified", nil
}

func levels(pcm []byte) (peak int, rms float64) {
	n := len(pcm) / 2
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		if s < 0 {
			s = -s
		}
		peak = max(peak, s)
		sum += float64(s * s)
	}
	return peak, math.Sqrt(sum / float64(n))
}

func seconds(pcm []byte) float64 {
	return float64(len(pcm)) / float64(audio.SampleRate*audio.BytesPerFrame)
}
