package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"clipscribe/log"
	"clipscribe/session"
)

// runScript drives the controller from line commands, for end-to-end tests
// against file input:
//
//	START [mic]      start a session, optionally on a device index
//	STOP             stop and wait for teardown
//	WAIT             block until the current session ends
//	WAIT_PUBLISH     block until the next clipboard publish
//	WAIT_AUDIO_DONE  block until file input is exhausted
//	STATUS           print the controller state
//	SLEEP <ms>
//	QUIT
//
// Every session event is echoed to out as it is consumed.
func runScript(ctx context.Context, in io.Reader, out io.Writer, a *app, fileDone <-chan struct{}) int {
	events := a.watchEvents()

	// waitFor echoes events until one matches want.
	waitFor := func(want session.EventType) bool {
		for {
			select {
			case ev := <-events:
				printEvent(out, ev)
				if ev.Type == want {
					return true
				}
			case <-ctx.Done():
				return false
			}
		}
	}
	drain := func() {
		for {
			select {
			case ev := <-events:
				printEvent(out, ev)
			default:
				return
			}
		}
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := strings.ToUpper(fields[0]), fields[1:]
		switch cmd {
		case "START":
			opts := a.startOptions()
			if len(args) > 0 {
				idx, err := strconv.Atoi(args[0])
				if err != nil {
					fmt.Fprintf(out, "error bad mic index %q\n", args[0])
					continue
				}
				opts.MicIndex = &idx
			}
			if _, err := a.ctrl.Start(ctx, opts); err != nil {
				fmt.Fprintf(out, "error %v\n", err)
			}
		case "STOP":
			sess := a.ctrl.Current()
			st := a.ctrl.Stop()
			if sess != nil && st == session.StoppedSession {
				sess.Wait()
			}
			drain()
			fmt.Fprintf(out, "stop %s\n", st)
		case "WAIT":
			if sess := a.ctrl.Current(); sess != nil && a.ctrl.Status().State != session.Stopped {
				waitFor(session.EventStopped)
			}
		case "WAIT_PUBLISH":
			waitFor(session.EventPublish)
		case "WAIT_AUDIO_DONE":
			if fileDone != nil {
				select {
				case <-fileDone:
				case <-ctx.Done():
				}
			}
		case "STATUS":
			drain()
			st := a.ctrl.Status()
			fmt.Fprintf(out, "status %s segment=%q\n", st.State, st.Segment)
		case "SLEEP":
			if len(args) > 0 {
				if ms, err := strconv.Atoi(args[0]); err == nil {
					time.Sleep(time.Duration(ms) * time.Millisecond)
				}
			}
		case "QUIT":
			a.stop()
			drain()
			return 0
		default:
			log.Warnf("script: unknown command %q", cmd)
			fmt.Fprintf(out, "error unknown command %q\n", cmd)
		}
		if ctx.Err() != nil {
			break
		}
	}
	a.stop()
	drain()
	return 0
}

func printEvent(out io.Writer, ev session.Event) {
	switch ev.Type {
	case session.EventStarted:
		fmt.Fprintf(out, "started %s\n", ev.Text)
	case session.EventPartial:
		fmt.Fprintf(out, "partial %q\n", ev.Text)
	case session.EventFinal:
		fmt.Fprintf(out, "final %q\n", ev.Text)
	case session.EventPublish:
		fmt.Fprintf(out, "publish %q\n", ev.Text)
	case session.EventReset:
		fmt.Fprintln(out, "reset")
	case session.EventClipboardError:
		fmt.Fprintf(out, "clipboard_error %v\n", ev.Err)
	case session.EventStopped:
		if ev.Err != nil {
			fmt.Fprintf(out, "stopped %v\n", ev.Err)
		} else {
			fmt.Fprintln(out, "stopped")
		}
	}
}
