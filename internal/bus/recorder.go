package bus

import (
	"sync"
)

type subscription struct {
	filter string
	h      Handler
}

// Recorder is an in-memory Bus. It keeps every publication and delivers
// injected messages to matching subscribers synchronously.
type Recorder struct {
	mu        sync.Mutex
	published []Message
	retained  map[string][]byte
	subs      []subscription
	closed    bool
}

func NewRecorder() *Recorder {
	return &Recorder{retained: make(map[string][]byte)}
}

func (r *Recorder) Publish(topic string, payload []byte, retain bool) error {
	p := append([]byte(nil), payload...)

	r.mu.Lock()
	r.published = append(r.published, Message{Topic: topic, Payload: p, Retain: retain})
	if retain {
		r.retained[topic] = p
	}
	subs := append([]subscription(nil), r.subs...)
	r.mu.Unlock()

	for _, s := range subs {
		if Match(s.filter, topic) {
			s.h(Message{Topic: topic, Payload: p, Retain: retain})
		}
	}
	return nil
}

func (r *Recorder) Subscribe(filter string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, subscription{filter: filter, h: h})
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Deliver hands an inbound message to every matching subscriber without
// recording it as published.
func (r *Recorder) Deliver(topic string, payload []byte) {
	r.mu.Lock()
	subs := append([]subscription(nil), r.subs...)
	r.mu.Unlock()

	for _, s := range subs {
		if Match(s.filter, topic) {
			s.h(Message{Topic: topic, Payload: payload})
		}
	}
}

// Published returns a copy of every publication so far.
func (r *Recorder) Published() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.published...)
}

// On returns the payloads published on topic, in order.
func (r *Recorder) On(topic string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.published {
		if m.Topic == topic {
			out = append(out, string(m.Payload))
		}
	}
	return out
}

// Last returns the most recent payload published on topic.
func (r *Recorder) Last(topic string) (string, bool) {
	vals := r.On(topic)
	if len(vals) == 0 {
		return "", false
	}
	return vals[len(vals)-1], true
}

// Retained returns the retained payload of topic.
func (r *Recorder) Retained(topic string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.retained[topic]
	return string(v), ok
}

// Filters lists the active subscription filters.
func (r *Recorder) Filters() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s.filter)
	}
	return out
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Reset forgets recorded publications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = nil
}
