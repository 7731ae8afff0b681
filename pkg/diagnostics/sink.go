// Package diagnostics receives the conditions the chat core otherwise drops
// silently: undecodable frames, sends on a closed channel, failed snapshot writes.
package diagnostics

// Sink observes dropped work and state changes. Implementations must be safe for
// concurrent use and must not block.
type Sink interface {
	// FrameDropped is called for an inbound frame that was not applied.
	FrameDropped(reason string, raw []byte, err error)
	// FrameApplied is called after an inbound event reached the store.
	FrameApplied(eventType string, threadID string)
	// SendDropped is called for an outbound frame that was not written.
	SendDropped(payload string, err error)
	// StateChanged is called on every transport state transition.
	StateChanged(from string, to string)
	// PersistFailed is called when a snapshot could not be loaded or saved.
	PersistFailed(op string, err error)
}

type nopSink struct{}

func (nopSink) FrameDropped(string, []byte, error) {}
func (nopSink) FrameApplied(string, string)        {}
func (nopSink) SendDropped(string, error)          {}
func (nopSink) StateChanged(string, string)        {}
func (nopSink) PersistFailed(string, error)        {}

// Nop discards everything.
var Nop Sink = nopSink{}

type multiSink []Sink

// Multi fans every call out to all sinks, in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	ret := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			ret = append(ret, s)
		}
	}
	if len(ret) == 0 {
		return Nop
	}
	if len(ret) == 1 {
		return ret[0]
	}
	return ret
}

func (m multiSink) FrameDropped(reason string, raw []byte, err error) {
	for _, s := range m {
		s.FrameDropped(reason, raw, err)
	}
}

func (m multiSink) FrameApplied(eventType string, threadID string) {
	for _, s := range m {
		s.FrameApplied(eventType, threadID)
	}
}

func (m multiSink) SendDropped(payload string, err error) {
	for _, s := range m {
		s.SendDropped(payload, err)
	}
}

func (m multiSink) StateChanged(from string, to string) {
	for _, s := range m {
		s.StateChanged(from, to)
	}
}

func (m multiSink) PersistFailed(op string, err error) {
	for _, s := range m {
		s.PersistFailed(op, err)
	}
}

// OrNop returns s, or Nop if s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}
