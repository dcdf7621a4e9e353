package pipeline

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/siphon-proxy/siphon/internal/flow"
)

// buildFrame and encodeStringHeader assemble a minimal single-header binary
// event-stream frame for tests. They're deliberately small and local to this
// file rather than shared with internal/eventstream's own frame fixtures:
// that package's builders are unexported test helpers in a different
// package and aren't visible here.
func buildFrame(header, payload []byte) []byte {
	headersLen := uint32(len(header))
	total := uint32(4 + 4 + 4 + len(header) + len(payload) + 4)

	buf := make([]byte, 0, total)
	buf = append(buf, 0, 0, 0, 0) // total length, patched below
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, headersLen)
	buf = append(buf, hdr...)
	buf = append(buf, 0, 0, 0, 0) // prelude CRC, unchecked by the parser
	buf = append(buf, header...)
	buf = append(buf, payload...)
	buf = append(buf, 0, 0, 0, 0) // message CRC, unchecked by the parser

	binary.BigEndian.PutUint32(buf[0:4], total)
	return buf
}

func encodeStringHeader(name, value string) []byte {
	b := []byte{byte(len(name))}
	b = append(b, name...)
	b = append(b, 7) // header value type: string
	valLen := make([]byte, 2)
	binary.BigEndian.PutUint16(valLen, uint16(len(value)))
	b = append(b, valLen...)
	b = append(b, value...)
	return b
}

func newTestMetaWithFlow(id string) *Meta {
	return &Meta{
		Flow:       &flow.Flow{ID: id},
		Headers:    flow.NewHeaders(nil),
		StatusCode: 200,
	}
}

func TestEventParserTap_TextEventStreamPersistsEvents(t *testing.T) {
	store := flow.NewMemStore()
	meta := newTestMetaWithFlow("f1")
	meta.IsStreaming = true
	meta.ContentType = "text/event-stream; charset=utf-8"

	tap := NewEventParserTap(store, nil, nil)
	if !tap.ShouldActivate(meta) {
		t.Fatal("tap should activate for a streaming response")
	}

	tap.OnChunk([]byte("data: {\"msg\":\"1\"}\n\n"), meta)
	tap.OnChunk([]byte("data: {\"msg\":\"2\"}\n\n"), meta)
	tap.OnEnd(meta)

	events, err := store.GetEvents(nil, "f1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Data != `{"msg":"1"}` || events[1].Data != `{"msg":"2"}` {
		t.Errorf("events = %+v", events)
	}
}

func TestEventParserTap_BinaryEventStreamPersistsEvents(t *testing.T) {
	store := flow.NewMemStore()
	meta := newTestMetaWithFlow("f2")
	meta.IsStreaming = true
	meta.ContentType = binaryEventStreamMediaType

	frame := buildFrame(
		encodeStringHeader(":event-type", "content_block_delta"),
		[]byte(`{"delta":"x"}`),
	)

	tap := NewEventParserTap(store, nil, nil)
	tap.OnChunk(frame, meta)
	tap.OnEnd(meta)

	events, _ := store.GetEvents(nil, "f2")
	if len(events) != 1 || events[0].Name != "content_block_delta" {
		t.Fatalf("events = %+v, want one content_block_delta event", events)
	}
}

func TestEventParserTap_UnrecognizedMediaTypeDoesNotPanic(t *testing.T) {
	store := flow.NewMemStore()
	meta := newTestMetaWithFlow("f3")
	meta.IsStreaming = true
	meta.ContentType = "application/json"

	tap := NewEventParserTap(store, nil, nil)
	tap.OnChunk([]byte("whatever"), meta)
	tap.OnEnd(meta)

	events, _ := store.GetEvents(nil, "f3")
	if len(events) != 0 {
		t.Errorf("events = %+v, want none for an unrecognized media type", events)
	}
}

func TestEventParserTap_OnErrorFlushesThenStops(t *testing.T) {
	store := flow.NewMemStore()
	meta := newTestMetaWithFlow("f4")
	meta.IsStreaming = true
	meta.ContentType = textEventStreamMediaType

	tap := NewEventParserTap(store, nil, nil)
	tap.OnChunk([]byte("data: pending"), meta)
	tap.OnError(assertError("boom"), meta)

	events, _ := store.GetEvents(nil, "f4")
	if len(events) != 1 || events[0].Data != "pending" {
		t.Fatalf("events = %+v, want the buffered event flushed on error", events)
	}

	tap.OnChunk([]byte("data: after-error\n\n"), meta)
	events, _ = store.GetEvents(nil, "f4")
	if len(events) != 1 {
		t.Errorf("events = %+v, want no further events processed after OnError", events)
	}
}

func TestFlowBodyTap_AlwaysActive(t *testing.T) {
	tap := NewFlowBodyTap(flow.NewMemStore(), nil, nil)
	if !tap.ShouldActivate(newTestMetaWithFlow("x")) {
		t.Error("FlowBodyTap should always activate")
	}
}

func TestFlowBodyTap_PersistsBodyAndFlow(t *testing.T) {
	store := flow.NewMemStore()
	meta := newTestMetaWithFlow("f5")
	meta.StatusCode = 201
	meta.StatusMessage = "Created"

	tap := NewFlowBodyTap(store, nil, nil)
	tap.OnChunk([]byte("hello "), meta)
	tap.OnChunk([]byte("world"), meta)
	tap.OnEnd(meta)

	got, err := store.GetFlow(nil, "f5")
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if got.RespBody == nil || *got.RespBody != "hello world" {
		t.Fatalf("RespBody = %v, want hello world", got.RespBody)
	}
	if got.StatusCode != 201 || got.StatusText != "Created" {
		t.Errorf("status = %d %q", got.StatusCode, got.StatusText)
	}
	if !got.Completed {
		t.Error("flow should be marked completed")
	}
}

func TestRawHTTPTap_ActiveOnlyWhenRequested(t *testing.T) {
	tap := NewRawHTTPTap(flow.NewMemStore(), nil, nil)
	meta := newTestMetaWithFlow("x")
	if tap.ShouldActivate(meta) {
		t.Error("RawHTTPTap should not activate without StoreRawHTTP")
	}
	meta.StoreRawHTTP = true
	if !tap.ShouldActivate(meta) {
		t.Error("RawHTTPTap should activate with StoreRawHTTP")
	}
}

func TestRawHTTPTap_RendersCanonicalResponse(t *testing.T) {
	store := flow.NewMemStore()
	if err := store.InitRawHTTP(nil, "f6", "GET / HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatalf("InitRawHTTP: %v", err)
	}

	meta := newTestMetaWithFlow("f6")
	meta.StoreRawHTTP = true
	meta.StatusCode = 200
	meta.StatusMessage = "OK"
	meta.Headers.Set("Content-Type", "application/json")
	meta.Headers.Set("Transfer-Encoding", "chunked")

	tap := NewRawHTTPTap(store, nil, nil)
	tap.OnChunk([]byte(`{"ok":true}`), meta)
	tap.OnEnd(meta)

	rendered := fetchRawResponse(t, store, "f6")
	if !strings.HasPrefix(rendered, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("rendered = %q, want HTTP/1.1 200 OK status line", rendered)
	}
	if strings.Contains(rendered, "transfer-encoding") {
		t.Error("rendered response should not include transfer-encoding")
	}
	if !strings.Contains(rendered, "content-length: 11") {
		t.Errorf("rendered = %q, want content-length: 11", rendered)
	}
	if !strings.HasSuffix(rendered, `{"ok":true}`) {
		t.Errorf("rendered = %q, want body suffix", rendered)
	}
}

func TestRawHTTPTap_OverCapEmitsSentinel(t *testing.T) {
	store := flow.NewMemStore()
	store.InitRawHTTP(nil, "f7", "GET / HTTP/1.1\r\n\r\n")

	meta := newTestMetaWithFlow("f7")
	meta.StoreRawHTTP = true
	meta.StatusCode = 200
	meta.StatusMessage = "OK"

	tap := NewRawHTTPTap(store, nil, nil)
	big := make([]byte, flow.RawCap+1)
	tap.OnChunk(big, meta)
	tap.OnEnd(meta)

	rendered := fetchRawResponse(t, store, "f7")
	if strings.Contains(rendered, string(big[:10])) {
		t.Error("over-cap response should not contain raw body bytes")
	}
	if !strings.Contains(rendered, "exceeds capture cap") {
		t.Errorf("rendered = %q, want sentinel text", rendered)
	}
}

func fetchRawResponse(t *testing.T, store *flow.MemStore, flowID string) string {
	t.Helper()
	raw, ok := store.RawHTTPFor(flowID)
	if !ok {
		t.Fatalf("no raw HTTP snapshot recorded for flow %s", flowID)
	}
	return raw.Response
}

type testError string

func (e testError) Error() string { return string(e) }

func assertError(msg string) error {
	return testError(msg)
}
