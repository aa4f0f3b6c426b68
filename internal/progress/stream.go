// Package progress implements the two-stage weighted progress stream and
// the download-progress pump described by the Progress/Download Bridge
// (spec §4.D).
package progress

import "sync"

// stageBoundaries splits the stream into "download" ([0, 0.8)) and "load"
// ([0.8, 1.0]) stages, per spec §4.D.
var stageBoundaries = [3]float64{0.0, 0.8, 1.0}

// Update is one point pushed onto a Stream: an overall fraction in [0, 1]
// plus a human-readable label for the current stage.
type Update struct {
	Fraction float64
	Label    string
}

// Stream is a weighted two-stage progress value type. Writers push raw
// per-stage fractions; Stream maps them into the overall [0, 1] range using
// stageBoundaries before fanning out to subscribers.
type Stream struct {
	mu   sync.Mutex
	subs []chan Update
	last Update
}

// NewStream constructs an empty Stream.
func NewStream() *Stream {
	return &Stream{}
}

// Subscribe returns a channel receiving every future Update. The channel is
// buffered so a slow subscriber cannot block the publisher; only the latest
// pending update is retained if the buffer fills.
func (s *Stream) Subscribe() <-chan Update {
	ch := make(chan Update, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// PushStage publishes fraction (0..1, scoped to stage) at the given stage
// index (0 = download, 1 = load), mapping it into the overall range via
// stageBoundaries, with label attached.
func (s *Stream) PushStage(stage int, fraction float64, label string) {
	if stage < 0 {
		stage = 0
	}
	if stage > 1 {
		stage = 1
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	lo, hi := stageBoundaries[stage], stageBoundaries[stage+1]
	overall := lo + fraction*(hi-lo)
	s.push(Update{Fraction: overall, Label: label})
}

// PushOverall publishes an absolute overall fraction directly (used for the
// terminal 1.0 "Start to load model" update).
func (s *Stream) PushOverall(fraction float64, label string) {
	s.push(Update{Fraction: fraction, Label: label})
}

func (s *Stream) push(u Update) {
	s.mu.Lock()
	s.last = u
	subs := append([]chan Update(nil), s.subs...)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- u:
		default:
			// Drop stale pending update in favour of the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}

// Last returns the most recently pushed Update.
func (s *Stream) Last() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
