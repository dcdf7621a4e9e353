package pipeline

import (
	"io"
	"sync"

	"github.com/siphon-proxy/siphon/internal/flow"
)

// ClientSink wraps an underlying connection writer with writeHead/write/end
// semantics, latching header emission and tolerating a terminal End that
// races the connection's own close.
type ClientSink struct {
	w io.Writer

	mu         sync.Mutex
	headerFunc func(status int, headers flow.Headers) error
	headerSent bool
	ended      bool
}

// NewClientSink wraps w. headerFunc performs the actual status-line and
// header write (it differs between a plain net.Conn writer and an
// http.ResponseWriter, so the caller supplies it).
func NewClientSink(w io.Writer, headerFunc func(status int, headers flow.Headers) error) *ClientSink {
	return &ClientSink{w: w, headerFunc: headerFunc}
}

// WriteHead writes the status line and headers at most once; subsequent
// calls are no-ops.
func (s *ClientSink) WriteHead(status int, headers flow.Headers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerSent {
		return nil
	}
	s.headerSent = true
	return s.headerFunc(status, headers)
}

// Write writes chunk to the underlying connection.
func (s *ClientSink) Write(chunk []byte) error {
	_, err := s.w.Write(chunk)
	return err
}

// End is idempotent: only the first call has any effect. It does not
// close the underlying connection; that's the caller's responsibility
// once the whole exchange (not just this one response) is finished.
func (s *ClientSink) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	return nil
}

// BufferSink captures status, headers, and concatenated body bytes
// in-process, for request replay and tests.
type BufferSink struct {
	mu      sync.Mutex
	Status  int
	Headers flow.Headers
	body    []byte
	Ended   bool
}

// NewBufferSink returns an empty BufferSink.
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

func (s *BufferSink) WriteHead(status int, headers flow.Headers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	s.Headers = headers
	return nil
}

func (s *BufferSink) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = append(s.body, chunk...)
	return nil
}

func (s *BufferSink) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Ended = true
	return nil
}

// Body returns a defensive copy of the captured bytes.
func (s *BufferSink) Body() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.body...)
}

// TeeSink fans a response out to N sub-sinks. The first sub-sink receives
// the original chunk slice; the rest receive byte-wise copies, so a
// downstream sink mutating its chunk can never corrupt another's view.
type TeeSink struct {
	sinks []StreamSink
}

// NewTeeSink composes sinks into one. Calling with zero sinks is valid;
// every operation is then a no-op.
func NewTeeSink(sinks ...StreamSink) *TeeSink {
	return &TeeSink{sinks: sinks}
}

func (t *TeeSink) WriteHead(status int, headers flow.Headers) error {
	var firstErr error
	for _, s := range t.sinks {
		if err := s.WriteHead(status, headers); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TeeSink) Write(chunk []byte) error {
	// Take every copy before any sub-sink runs, so the first sub-sink
	// mutating the original cannot leak into the others' copies.
	copies := make([][]byte, len(t.sinks))
	for i := range t.sinks {
		copies[i] = chunk
		if i > 0 {
			copies[i] = append([]byte(nil), chunk...)
		}
	}
	var firstErr error
	for i, s := range t.sinks {
		if err := s.Write(copies[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TeeSink) End() error {
	var firstErr error
	for _, s := range t.sinks {
		if err := s.End(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
