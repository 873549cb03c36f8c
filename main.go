package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"clipscribe/audio"
	"clipscribe/clipboard"
	"clipscribe/config"
	"clipscribe/doctor"
	"clipscribe/log"
	"clipscribe/shutdown"
	"clipscribe/transcriber"
)

var version = "dev"

type flags struct {
	configPath string
	input      string
	realtime   bool
	autostart  bool
	setup      bool
	device     string
	record     string
	mic        int
	pause      float64
	pauseMode  string
	engine     string
	logPath    string
	headless   bool
	script     bool
	doctor     bool
	version    bool
}

func parseFlags(args []string, stderr io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("clipscribe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.StringVar(&f.input, "input", "", "Transcribe a WAV or FLAC file instead of the microphone")
	fs.BoolVar(&f.realtime, "realtime", true, "Feed -input at recording speed")
	fs.BoolVar(&f.autostart, "autostart", false, "Start a capture session immediately")
	fs.BoolVar(&f.setup, "setup", false, "Pick the microphone interactively before starting")
	fs.StringVar(&f.device, "device", "", "Use the named microphone device")
	fs.StringVar(&f.record, "record", "", "Archive each session's audio as FLAC in this directory")
	fs.IntVar(&f.mic, "mic", -1, "Use the microphone at this index (see GET /devices)")
	fs.Float64Var(&f.pause, "pause", 0, "Pause threshold in seconds before the segment resets")
	fs.StringVar(&f.pauseMode, "pause-mode", "", "Pause detection: cadence or vad")
	fs.StringVar(&f.engine, "engine", "", "Recognizer engine: vosk-server, deepgram or fake")
	fs.StringVar(&f.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.BoolVar(&f.headless, "headless", false, "Run without the terminal UI")
	fs.BoolVar(&f.script, "script", false, "Headless, driven by commands on stdin")
	fs.BoolVar(&f.doctor, "doctor", false, "Run system diagnostics and exit")
	fs.BoolVar(&f.version, "version", false, "Print version and exit")
	err := fs.Parse(args)
	return f, err
}

// apply layers command-line overrides on top of the loaded config.
func (f flags) apply(cfg *config.Config) error {
	if f.device != "" {
		cfg.Audio.Device = f.device
	}
	if f.record != "" {
		cfg.Audio.RecordDir = f.record
	}
	if f.mic >= 0 {
		cfg.Audio.MicIndex = f.mic
	}
	if f.pause != 0 {
		cfg.Session.PauseThreshold = f.pause
	}
	if f.pauseMode != "" {
		cfg.Session.PauseMode = f.pauseMode
	}
	if f.engine != "" {
		cfg.Recognizer.Engine = f.engine
	}
	if f.logPath != "" {
		cfg.Log.Path = f.logPath
	}
	if f.autostart || f.input != "" {
		cfg.Session.AutoStart = true
	}
	return config.Validate(*cfg)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if f.version {
		fmt.Fprintf(stdout, "clipscribe %s\n", version)
		return 0
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := f.apply(&cfg); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logPath, err := log.ResolveDir(cfg.Log.Path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	headless := f.headless || f.script || f.doctor
	logOpts := log.Options{Level: cfg.Log.Level}
	if headless && cfg.Log.Console {
		logOpts.Console = stderr
	}
	if err := log.Init(logOpts); err != nil {
		fmt.Fprintf(stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	initCrashLog()

	actx, fileDone, err := openAudio(f)
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(stderr, "Error initializing audio: %v\n", err)
		return 1
	}
	defer actx.Close()

	if f.setup && f.input == "" {
		idx, err := audio.SelectDevice(actx)
		switch {
		case errors.Is(err, audio.ErrSelectionCancelled):
			return 0
		case err != nil:
			log.Warnf("device selection failed: %v", err)
			fmt.Fprintf(stderr, "Warning: device selection failed: %v\nFalling back to default device\n", err)
		default:
			cfg.Audio.MicIndex = idx
		}
	}

	engine, err := transcriber.New(transcriber.Config{
		Engine:   cfg.Recognizer.Engine,
		URL:      cfg.Recognizer.URL,
		Language: cfg.Recognizer.Language,
		Model:    cfg.Recognizer.Model,
		APIKey:   cfg.Recognizer.APIKey,
		Timeout:  cfg.Recognizer.Timeout(),
		Script:   cfg.Recognizer.Script,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	sink, err := clipboard.New(clipboard.Options{FallbackCommand: cfg.Clipboard.FallbackCommand})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	if f.doctor {
		var mic *int
		if cfg.Audio.MicIndex >= 0 {
			mic = &cfg.Audio.MicIndex
		}
		return doctor.Run(ctx, doctor.Options{
			Out: stdout,
			OpenAudio: func() (audio.Context, error) {
				c, _, err := openAudio(f)
				return c, err
			},
			MicIndex:       mic,
			Engine:         engine,
			CheckClipboard: sink.Check,
			Publish:        sink.Publish,
			ReadClipboard:  clipboard.Read,
		})
	}

	a, err := newApp(cfg, actx, engine, sink)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	a.serve(ctx)
	if cfg.Session.AutoStart {
		if _, err := a.ctrl.Start(ctx, a.startOptions()); err != nil {
			log.Errorf("autostart failed: %v", err)
			fmt.Fprintf(stderr, "Error starting session: %v\n", err)
			return 1
		}
	}

	switch {
	case f.script:
		return runScript(ctx, stdin, stdout, a, fileDone)
	case headless || f.input != "":
		return a.waitHeadless(ctx, fileDone)
	default:
		return a.runTUI(ctx)
	}
}

// openAudio returns the capture backend. For file input the second value
// closes once the whole file has been fed.
func openAudio(f flags) (audio.Context, <-chan struct{}, error) {
	if f.input != "" {
		fc, err := audio.NewFileContext(f.input, f.realtime)
		if err != nil {
			return nil, nil, err
		}
		return fc, fc.Done(), nil
	}
	actx, err := audio.NewContext()
	return actx, nil, err
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}
