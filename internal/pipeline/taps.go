package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/siphon-proxy/siphon/internal/eventstream"
	"github.com/siphon-proxy/siphon/internal/flow"
)

// textEventStreamMediaType and binaryEventStreamMediaType are the two
// media types the event-parser tap recognizes, "selected by
// media type".
const (
	textEventStreamMediaType   = "text/event-stream"
	binaryEventStreamMediaType = "application/vnd.amazon.eventstream"
)

// textStreamParser lets EventParserTap hold either concrete parser (text
// or binary) behind one field without an empty interface.
type textStreamParser interface {
	Feed(chunk []byte) []eventstream.Event
	Flush() []eventstream.Event
}

// EventParserTap lazily selects and drives a text or binary event-stream
// parser over the post-transform body, persisting every parsed event as
// it appears. Active only for streaming responses.
type EventParserTap struct {
	store  flow.Store
	ctx    context.Context
	logger *slog.Logger

	parser  textStreamParser
	failed  bool
	started bool
}

// NewEventParserTap returns a tap that persists events through store. A
// nil ctx defaults to context.Background(); a nil logger to
// slog.Default().
func NewEventParserTap(store flow.Store, ctx context.Context, logger *slog.Logger) *EventParserTap {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventParserTap{store: store, ctx: ctx, logger: logger}
}

func (t *EventParserTap) ShouldActivate(meta *Meta) bool {
	return meta.IsStreaming
}

func (t *EventParserTap) OnChunk(chunk []byte, meta *Meta) {
	if t.failed {
		return
	}
	t.ensureParser(meta)
	if t.parser == nil {
		return
	}
	t.persist(t.parser.Feed(chunk), meta)
}

func (t *EventParserTap) ensureParser(meta *Meta) {
	if t.started {
		return
	}
	t.started = true

	switch mediaType(meta.ContentType) {
	case textEventStreamMediaType:
		t.parser = eventstream.NewTextParser()
	case binaryEventStreamMediaType:
		t.parser = eventstream.NewBinaryParser()
	default:
		t.logger.Warn("streaming response has unrecognized media type, events will not be parsed",
			"content_type", meta.ContentType)
	}

	if t.parser != nil {
		if err := t.store.InitFlowEvents(t.ctx, meta.Flow.ID); err != nil {
			t.logger.Warn("failed to initialise flow events", "flow_id", meta.Flow.ID, "error", err)
		}
	}
}

func (t *EventParserTap) OnEnd(meta *Meta) {
	if t.failed || t.parser == nil {
		return
	}
	t.persist(t.parser.Flush(), meta)
}

// OnError makes a best-effort attempt to flush whatever events the
// parser already has buffered, then stops: a mid-stream failure means
// the remaining bytes are unreliable.
func (t *EventParserTap) OnError(err error, meta *Meta) {
	if t.parser != nil {
		t.persist(t.parser.Flush(), meta)
	}
	t.failed = true
	t.parser = nil
}

func (t *EventParserTap) persist(events []eventstream.Event, meta *Meta) {
	for _, ev := range events {
		record := &flow.Event{
			ID:        ev.ID,
			FlowID:    meta.Flow.ID,
			Name:      ev.Name,
			Data:      ev.Data,
			Timestamp: time.Now(),
		}
		if err := t.store.AddEvent(t.ctx, record); err != nil {
			t.logger.Warn("failed to persist event", "flow_id", meta.Flow.ID, "error", err)
		}
	}
}

func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// IsStreamingContentType reports whether contentType is one of the media
// types the event-parser tap recognizes as a streaming event format. This
// is the one source of truth for what "streaming" means for a flow's
// persisted IsStream flag.
func IsStreamingContentType(contentType string) bool {
	switch mediaType(contentType) {
	case textEventStreamMediaType, binaryEventStreamMediaType:
		return true
	default:
		return false
	}
}

// FlowBodyTap accumulates the full post-transform response body and, on
// end, stores it against the flow. Always active.
type FlowBodyTap struct {
	store  flow.Store
	ctx    context.Context
	logger *slog.Logger

	buf []byte
}

// NewFlowBodyTap returns a tap that persists the completed flow through
// store once its body is known.
func NewFlowBodyTap(store flow.Store, ctx context.Context, logger *slog.Logger) *FlowBodyTap {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowBodyTap{store: store, ctx: ctx, logger: logger}
}

func (t *FlowBodyTap) ShouldActivate(meta *Meta) bool { return true }

func (t *FlowBodyTap) OnChunk(chunk []byte, meta *Meta) {
	t.buf = append(t.buf, chunk...)
}

func (t *FlowBodyTap) OnEnd(meta *Meta) {
	body := decodeUTF8(t.buf)
	meta.Flow.RespBody = &body
	meta.Flow.StatusCode = meta.StatusCode
	meta.Flow.StatusText = meta.StatusMessage
	meta.Flow.RespHead = meta.Headers
	meta.Flow.Completed = true
	meta.Flow.IsStream = meta.IsStreaming
	meta.Flow.HasRawHTTP = meta.StoreRawHTTP

	if err := t.store.SaveFlow(t.ctx, meta.Flow); err != nil {
		t.logger.Warn("failed to persist flow", "flow_id", meta.Flow.ID, "error", err)
	}
}

func (t *FlowBodyTap) OnError(err error, meta *Meta) {
	t.OnEnd(meta)
}

// decodeUTF8 returns b decoded as UTF-8, replacing each run of invalid
// bytes with a single U+FFFD; body bytes that aren't valid UTF-8 are
// never a reason to drop a flow's recorded body.
func decodeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

// RawHTTPTap accumulates the post-transform response body up to
// flow.RawCap and, on end, stores the byte-exact canonical HTTP/1.1
// rendering of the response. Active only when the flow requested raw
// HTTP capture.
type RawHTTPTap struct {
	store  flow.Store
	ctx    context.Context
	logger *slog.Logger

	buf      []byte
	observed int
}

// NewRawHTTPTap returns a tap that persists the canonical response
// rendering through store.
func NewRawHTTPTap(store flow.Store, ctx context.Context, logger *slog.Logger) *RawHTTPTap {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RawHTTPTap{store: store, ctx: ctx, logger: logger}
}

func (t *RawHTTPTap) ShouldActivate(meta *Meta) bool { return meta.StoreRawHTTP }

func (t *RawHTTPTap) OnChunk(chunk []byte, meta *Meta) {
	t.observed += len(chunk)
	if t.observed <= flow.RawCap {
		t.buf = append(t.buf, chunk...)
	}
}

func (t *RawHTTPTap) OnEnd(meta *Meta) {
	var body string
	if t.observed > flow.RawCap {
		body = flow.OverCapSentinel(t.observed)
	} else {
		body = decodeUTF8(t.buf)
	}

	rendered := renderResponse(meta.StatusCode, meta.StatusMessage, meta.Headers, body)
	if err := t.store.SetRawHTTPResponse(t.ctx, meta.Flow.ID, rendered); err != nil {
		t.logger.Warn("failed to persist raw HTTP response", "flow_id", meta.Flow.ID, "error", err)
	}
}

func (t *RawHTTPTap) OnError(err error, meta *Meta) {
	t.OnEnd(meta)
}

// renderResponse builds the canonical "HTTP/1.1 <status> <reason>\r\n" +
// headers + blank line + body rendering, excluding transfer-encoding and
// with a freshly computed content-length.
func renderResponse(status int, reason string, headers flow.Headers, body string) string {
	var b strings.Builder
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(reason)
	b.WriteString("\r\n")

	names := make([]string, 0, len(headers))
	for name := range headers {
		if name == "transfer-encoding" || name == "content-length" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, v := range headers[name] {
			b.WriteString(flow.CanonicalHeaderKey(name))
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("content-length: ")
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteString("\r\n\r\n")
	b.WriteString(body)

	return b.String()
}
