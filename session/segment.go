package session

import "time"

// Segment accumulates final transcripts until a pause resets it. It is owned
// by the capture loop and never shared.
type Segment struct {
	text      string
	active    bool
	lastAudio time.Time
}

func NewSegment(now time.Time) *Segment {
	return &Segment{lastAudio: now}
}

// Append adds a final transcript. The first append after a reset replaces
// whatever text was left; later ones are joined with a single space.
// Empty text is ignored and reported as no change.
func (s *Segment) Append(text string) bool {
	if text == "" {
		return false
	}
	if !s.active {
		s.active = true
		s.text = ""
	}
	if s.text == "" {
		s.text = text
	} else {
		s.text += " " + text
	}
	return true
}

func (s *Segment) Reset() {
	s.text = ""
	s.active = false
}

// Touch records activity at now. Time never moves backwards.
func (s *Segment) Touch(now time.Time) {
	if now.After(s.lastAudio) {
		s.lastAudio = now
	}
}

// PauseExpired reports whether more than threshold has passed since the
// last recorded activity.
func (s *Segment) PauseExpired(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.lastAudio) > threshold
}

func (s *Segment) Text() string         { return s.text }
func (s *Segment) Active() bool         { return s.active }
func (s *Segment) LastAudio() time.Time { return s.lastAudio }
