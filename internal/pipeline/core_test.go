package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/siphon-proxy/siphon/internal/flow"
)

// fakeSink records every call made to it, for assertions.
type fakeSink struct {
	status      int
	headers     flow.Headers
	writes      [][]byte
	ended       bool
	headCalls   int
	writeErr    error
	endErr      error
}

func (s *fakeSink) WriteHead(status int, headers flow.Headers) error {
	s.headCalls++
	s.status = status
	s.headers = headers
	return nil
}

func (s *fakeSink) Write(chunk []byte) error {
	cp := append([]byte(nil), chunk...)
	s.writes = append(s.writes, cp)
	return s.writeErr
}

func (s *fakeSink) End() error {
	s.ended = true
	return s.endErr
}

func (s *fakeSink) allWrites() []byte {
	var all []byte
	for _, w := range s.writes {
		all = append(all, w...)
	}
	return all
}

// passthroughTransform activates only when its activate field is set;
// left unset, it confirms inactive transforms are skipped.
type passthroughTransform struct {
	activate bool
}

func (t *passthroughTransform) ShouldActivate(meta *Meta) bool { return t.activate }
func (t *passthroughTransform) Process(chunk []byte, meta *Meta) (*ProcessResult, error) {
	return &ProcessResult{Data: chunk}, nil
}
func (t *passthroughTransform) Flush(meta *Meta) (*ProcessResult, error) { return nil, nil }
func (t *passthroughTransform) HeaderMods(meta *Meta) *HeaderMods        { return nil }

// upperTransform uppercases bytes, buffering everything until Flush, to
// exercise the buffering path deterministically.
type upperTransform struct {
	buf []byte
}

func (t *upperTransform) ShouldActivate(meta *Meta) bool { return true }

func (t *upperTransform) Process(chunk []byte, meta *Meta) (*ProcessResult, error) {
	t.buf = append(t.buf, chunk...)
	return nil, nil
}

func (t *upperTransform) Flush(meta *Meta) (*ProcessResult, error) {
	out := make([]byte, len(t.buf))
	for i, b := range t.buf {
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}
	return &ProcessResult{
		Data:       out,
		HeaderMods: &HeaderMods{Set: map[string]string{"x-transformed": "true"}},
	}, nil
}

func (t *upperTransform) HeaderMods(meta *Meta) *HeaderMods { return nil }

// recordingTap records every callback it receives.
type recordingTap struct {
	active  bool
	chunks  [][]byte
	ended   bool
	errored error
}

func (t *recordingTap) ShouldActivate(meta *Meta) bool { return t.active }
func (t *recordingTap) OnChunk(chunk []byte, meta *Meta) {
	t.chunks = append(t.chunks, append([]byte(nil), chunk...))
}
func (t *recordingTap) OnEnd(meta *Meta)          { t.ended = true }
func (t *recordingTap) OnError(err error, meta *Meta) { t.errored = err }

// panickingTap always panics from OnChunk, to exercise tap isolation.
type panickingTap struct{}

func (panickingTap) ShouldActivate(meta *Meta) bool          { return true }
func (panickingTap) OnChunk(chunk []byte, meta *Meta)        { panic("tap exploded") }
func (panickingTap) OnEnd(meta *Meta)                        {}
func (panickingTap) OnError(err error, meta *Meta)           {}

func newTestMeta() *Meta {
	return &Meta{
		Flow:      &flow.Flow{},
		StartTime: time.Now().Add(-time.Millisecond),
		Headers:   flow.NewHeaders(nil),
	}
}

func TestPipeline_NonBufferingStreamsImmediately(t *testing.T) {
	meta := newTestMeta()
	meta.StatusCode = 200
	sink := &fakeSink{}

	p := New(meta, nil, nil, sink, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sink.headCalls != 1 {
		t.Fatalf("headCalls = %d, want 1", sink.headCalls)
	}

	if err := p.WriteChunk([]byte("hello ")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := p.WriteChunk([]byte("world")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	if got := string(sink.allWrites()); got != "hello world" {
		t.Errorf("writes = %q, want %q", got, "hello world")
	}
	if !sink.ended {
		t.Error("sink should be ended")
	}
}

func TestPipeline_InactiveTransformSkipped(t *testing.T) {
	meta := newTestMeta()
	sink := &fakeSink{}
	inactive := &passthroughTransform{activate: false}

	p := New(meta, []TransformStage{inactive}, nil, sink, nil)
	if p.buffering {
		t.Error("pipeline should not buffer when no transform activates")
	}
}

func TestPipeline_BufferingTransformRewritesBodyAndHeaders(t *testing.T) {
	meta := newTestMeta()
	meta.StatusCode = 200
	sink := &fakeSink{}
	up := &upperTransform{}

	p := New(meta, []TransformStage{up}, nil, sink, nil)
	if !p.buffering {
		t.Fatal("pipeline should buffer when a transform activates")
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sink.headCalls != 0 {
		t.Fatalf("headers should not be sent before End on the buffering path, headCalls = %d", sink.headCalls)
	}

	p.WriteChunk([]byte("hello "))
	p.WriteChunk([]byte("world"))
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	if got := string(sink.allWrites()); got != "HELLO WORLD" {
		t.Errorf("writes = %q, want %q", got, "HELLO WORLD")
	}
	if sink.headers.Get("X-Transformed") != "true" {
		t.Errorf("header x-transformed not applied: %+v", sink.headers)
	}
	if sink.headers.Get("Content-Length") != "11" {
		t.Errorf("content-length = %q, want 11", sink.headers.Get("Content-Length"))
	}
	if !sink.ended {
		t.Error("sink should be ended")
	}
}

func TestPipeline_TapsReceivePostTransformBytes(t *testing.T) {
	meta := newTestMeta()
	sink := &fakeSink{}
	up := &upperTransform{}
	tap := &recordingTap{active: true}

	p := New(meta, []TransformStage{up}, []TapStage{tap}, sink, nil)
	p.Start()
	p.WriteChunk([]byte("abc"))
	p.End()

	if len(tap.chunks) != 1 || string(tap.chunks[0]) != "ABC" {
		t.Fatalf("tap.chunks = %+v, want one chunk ABC", tap.chunks)
	}
	if !tap.ended {
		t.Error("tap should have received OnEnd")
	}
}

func TestPipeline_InactiveTapNeverCalled(t *testing.T) {
	meta := newTestMeta()
	sink := &fakeSink{}
	tap := &recordingTap{active: false}

	p := New(meta, nil, []TapStage{tap}, sink, nil)
	p.Start()
	p.WriteChunk([]byte("abc"))
	p.End()

	if len(tap.chunks) != 0 || tap.ended {
		t.Errorf("inactive tap should never be called, got %+v", tap)
	}
}

func TestPipeline_PanickingTapDoesNotBreakOthers(t *testing.T) {
	meta := newTestMeta()
	sink := &fakeSink{}
	good := &recordingTap{active: true}
	bad := panickingTap{}

	p := New(meta, nil, []TapStage{bad, good}, sink, nil)
	p.Start()

	if err := p.WriteChunk([]byte("data")); err != nil {
		t.Fatalf("WriteChunk should not propagate a tap panic as an error: %v", err)
	}
	if len(good.chunks) != 1 {
		t.Errorf("well-behaved tap should still run after a sibling panics, got %+v", good.chunks)
	}
}

func TestPipeline_ErrorNotifiesTapsAndEndsSink(t *testing.T) {
	meta := newTestMeta()
	sink := &fakeSink{}
	tap := &recordingTap{active: true}

	p := New(meta, nil, []TapStage{tap}, sink, nil)
	p.Start()

	upstreamErr := errors.New("upstream reset")
	if err := p.Error(upstreamErr); err != upstreamErr {
		t.Fatalf("Error() = %v, want %v", err, upstreamErr)
	}
	if tap.errored != upstreamErr {
		t.Errorf("tap.errored = %v, want %v", tap.errored, upstreamErr)
	}
	if tap.ended {
		t.Error("tap should not receive OnEnd when the terminal event is an error")
	}
	if !sink.ended {
		t.Error("sink should still be ended on error")
	}
}

func TestPipeline_TerminalLatchIsIdempotent(t *testing.T) {
	meta := newTestMeta()
	sink := &fakeSink{}
	tap := &recordingTap{active: true}

	p := New(meta, nil, []TapStage{tap}, sink, nil)
	p.Start()
	p.WriteChunk([]byte("x"))

	if err := p.End(); err != nil {
		t.Fatalf("first End: %v", err)
	}
	if err := p.End(); err != nil {
		t.Fatalf("second End should be a no-op, got error: %v", err)
	}
	if err := p.Error(errors.New("late error")); err != nil {
		t.Fatalf("Error after End should be a no-op, got: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close after End should be a no-op, got: %v", err)
	}

	// Only the first terminal call's notification should have landed.
	if !tap.ended {
		t.Error("tap should have received exactly one OnEnd from the first terminal call")
	}
	if tap.errored != nil {
		t.Errorf("tap should not have received OnError after the latch already closed, got %v", tap.errored)
	}
}

func TestPipeline_DurationSetOnFlow(t *testing.T) {
	meta := newTestMeta()
	sink := &fakeSink{}

	p := New(meta, nil, nil, sink, nil)
	p.Start()
	time.Sleep(time.Millisecond)
	p.End()

	if meta.Flow.DurationMs < 0 {
		t.Errorf("DurationMs = %d, want >= 0", meta.Flow.DurationMs)
	}
}

func TestPipeline_UnknownLengthGetsConnectionClose(t *testing.T) {
	meta := newTestMeta()
	meta.LengthUnknown = true
	sink := &fakeSink{}

	p := New(meta, nil, nil, sink, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sink.headers.Get("Connection") != "close" {
		t.Errorf("Connection header = %q, want close", sink.headers.Get("Connection"))
	}
}

func TestPipeline_UnknownLengthWithContentLengthSkipsConnectionClose(t *testing.T) {
	meta := newTestMeta()
	meta.LengthUnknown = true
	meta.Headers.Set("Content-Length", "5")
	sink := &fakeSink{}

	p := New(meta, nil, nil, sink, nil)
	p.Start()
	if sink.headers.Get("Connection") == "close" {
		t.Error("Connection: close should not be added when content-length is present")
	}
}

func TestPipeline_RawHTTPBufferingWhenUpstreamChunked(t *testing.T) {
	meta := newTestMeta()
	meta.StoreRawHTTP = true
	meta.UpstreamChunked = true
	sink := &fakeSink{}

	p := New(meta, nil, nil, sink, nil)
	if !p.buffering {
		t.Error("pipeline should buffer when raw HTTP is requested over a chunked upstream")
	}
}

func TestPipeline_RawHTTPNotBufferingWhenUpstreamNotChunked(t *testing.T) {
	meta := newTestMeta()
	meta.StoreRawHTTP = true
	meta.UpstreamChunked = false
	sink := &fakeSink{}

	p := New(meta, nil, nil, sink, nil)
	if p.buffering {
		t.Error("pipeline should not need buffering when the upstream content-length was already known")
	}
}
