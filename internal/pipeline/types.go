// Package pipeline wires one intercepted response into its processing
// graph: transforms run over the body, taps observe the post-transform
// bytes, and sinks deliver them onward.
package pipeline

import (
	"time"

	"github.com/siphon-proxy/siphon/internal/flow"
)

// Meta is the read-mostly descriptor passed to every stage for one
// response. Stages may read it freely; only the pipeline core mutates it.
type Meta struct {
	Flow      *flow.Flow
	StartTime time.Time

	StatusCode    int
	StatusMessage string
	Headers       flow.Headers

	ContentType     string
	ContentEncoding string

	// IsStreaming reports whether the response's Content-Type is a
	// recognized streaming event format (text/event-stream or the binary
	// event-stream media type) — the same flag persisted as a flow's
	// IsStream column. It is not a statement about framing.
	IsStreaming  bool
	StoreRawHTTP bool
	Verbose      bool

	// UpstreamChunked reports whether the upstream response was framed
	// with Transfer-Encoding: chunked.
	UpstreamChunked bool

	// LengthUnknown reports whether the upstream gave the client no way
	// to know where the body ends in advance (no Content-Length, no
	// Transfer-Encoding: chunked) — framing, not content type. Such a
	// response can only be correctly relayed as close-delimited.
	LengthUnknown bool
}

// HeaderMods describes header changes a transform wants applied. Set
// entries overwrite (or add) a header; Remove entries drop one entirely.
// A transform returning a nil *HeaderMods has nothing to change.
type HeaderMods struct {
	Set    map[string]string
	Remove []string
}

// Apply rewrites h in place per m.
func (m *HeaderMods) Apply(h flow.Headers) {
	if m == nil {
		return
	}
	for _, name := range m.Remove {
		h.Del(name)
	}
	for name, value := range m.Set {
		h.Set(name, value)
	}
}

// ProcessResult is what a TransformStage hands back from Process or
// Flush: the (possibly transformed) data, if any, plus any header
// changes it wants reflected once headers are emitted or re-emitted.
type ProcessResult struct {
	Data       []byte
	HeaderMods *HeaderMods
}

// TransformStage mutates a response body in place, e.g. decompression.
// A stage that does not activate for this response is skipped entirely.
type TransformStage interface {
	ShouldActivate(meta *Meta) bool
	Process(chunk []byte, meta *Meta) (*ProcessResult, error)
	Flush(meta *Meta) (*ProcessResult, error)

	// HeaderMods reports header changes this stage wants applied to the
	// immediate header emission on the non-buffering path, before any
	// chunk has been processed. Stages whose mods are only known once
	// the whole body is seen (decompression) return nil here.
	HeaderMods(meta *Meta) *HeaderMods
}

// TapStage observes the post-transform byte stream without altering it,
// e.g. parsing events out of it or persisting the flow. Tap errors are
// logged and otherwise ignored by the pipeline; a misbehaving tap must
// never break the client's connection.
type TapStage interface {
	ShouldActivate(meta *Meta) bool
	OnChunk(chunk []byte, meta *Meta)
	OnEnd(meta *Meta)
	OnError(err error, meta *Meta)
}

// StreamSink is a destination for the finished response: the real client
// connection, an in-memory buffer, or a tee fanning out to several.
type StreamSink interface {
	WriteHead(status int, headers flow.Headers) error
	Write(chunk []byte) error
	End() error
}
