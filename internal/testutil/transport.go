package testutil

import (
	"bytes"
	"strings"
	"sync"
)

// RecordingTransport stores every frame written to it. After FailWith it
// rejects writes, simulating a client that went away.
//
// Thread-safety: safe for concurrent use via internal mutex.
type RecordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

// NewRecordingTransport creates an empty transport.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{}
}

// WriteEvent records frame, or returns the configured failure.
func (t *RecordingTransport) WriteEvent(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.frames = append(t.frames, bytes.Clone(frame))
	return nil
}

// FailWith makes subsequent writes return err. nil restores writes.
func (t *RecordingTransport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Frames returns a copy of the recorded frames.
func (t *RecordingTransport) Frames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.frames))
	for i, f := range t.frames {
		out[i] = string(f)
	}
	return out
}

// Bytes returns every recorded frame concatenated, as a client would read
// the stream.
func (t *RecordingTransport) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Join(t.frames, nil)
}

// EventTypes returns the "event:" value of each recorded frame.
func (t *RecordingTransport) EventTypes() []string {
	frames := t.Frames()
	types := make([]string, 0, len(frames))
	for _, f := range frames {
		line, _, _ := strings.Cut(f, "\n")
		types = append(types, strings.TrimPrefix(line, "event: "))
	}
	return types
}

// Count returns the number of recorded frames.
func (t *RecordingTransport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

// Reset drops recorded frames.
func (t *RecordingTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = nil
}
