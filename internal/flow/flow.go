// Package flow defines the canonical record of an intercepted exchange and
// the storage interface the pipeline persists it through.
package flow

import (
	"context"
	"strconv"
	"time"
)

// Type identifies how a flow was intercepted.
type Type string

const (
	TypePlainHTTP Type = "plain-http"
	TypeTLSHTTP   Type = "tls-http"
	TypeWebSocket Type = "websocket"
)

// RawCap is the maximum size of a captured raw HTTP snapshot body.
const RawCap = 20 * 1024 * 1024

// Flow is the canonical record of one intercepted request/response exchange.
type Flow struct {
	ID        string
	CreatedAt time.Time
	Host      string
	Type      Type

	Method  string
	URL     string
	Path    string
	ReqHead Headers
	ReqBody *string

	// Populated on completion.
	StatusCode int
	StatusText string
	RespHead   Headers
	RespBody   *string
	DurationMs int64
	Completed  bool

	IsStream   bool
	HasRawHTTP bool
}

// Headers is a case-insensitive, order-tolerant name -> values map, matching
// a case-insensitive mapping from name to one-or-more values.
type Headers map[string][]string

// NewHeaders builds a Headers map from an http.Header-shaped source.
func NewHeaders(src map[string][]string) Headers {
	h := make(Headers, len(src))
	for k, v := range src {
		h[CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return h
}

// Get returns the first value for name, or "".
func (h Headers) Get(name string) string {
	v := h[CanonicalHeaderKey(name)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Set replaces all values for name.
func (h Headers) Set(name, value string) {
	h[CanonicalHeaderKey(name)] = []string{value}
}

// Del removes name.
func (h Headers) Del(name string) {
	delete(h, CanonicalHeaderKey(name))
}

// CanonicalHeaderKey normalizes a header name to a single comparable form.
// Flows store headers case-insensitively; callers that need wire-format
// casing should title-case at render time instead of trusting map keys.
func CanonicalHeaderKey(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Event is a parsed item from a streaming response. Events are
// append-only under their owning flow ID.
type Event struct {
	ID        string
	FlowID    string
	Name      string
	Data      string
	Timestamp time.Time
}

// RawHTTP is the byte-exact canonicalised wire rendering of a request or
// response. Body is capped at RawCap; over-cap bodies are replaced with
// a sentinel noting the observed size.
type RawHTTP struct {
	FlowID   string
	Request  string
	Response string
}

// OverCapSentinel is substituted for a raw-HTTP body that exceeded RawCap.
func OverCapSentinel(observedBytes int) string {
	return sentinelPrefix + strconv.Itoa(observedBytes) + sentinelSuffix
}

const (
	sentinelPrefix = "[body omitted: "
	sentinelSuffix = " bytes exceeds capture cap]"
)

// Store is the external flow-storage collaborator. The
// interception core calls it on every state transition; it never calls back
// into the core. Implementations must make SaveFlow idempotent for repeated
// calls with the same flow ID, and must append events under one flow ID in
// strict arrival order.
type Store interface {
	SaveFlow(ctx context.Context, f *Flow) error

	InitFlowEvents(ctx context.Context, flowID string) error
	AddEvent(ctx context.Context, e *Event) error
	GetEvents(ctx context.Context, flowID string) ([]*Event, error)

	InitRawHTTP(ctx context.Context, flowID, request string) error
	SetRawHTTPResponse(ctx context.Context, flowID, response string) error
	DeleteRawHTTP(ctx context.Context, flowID string) error

	GetFlow(ctx context.Context, id string) (*Flow, error)
	ListFlows(ctx context.Context) ([]*Flow, error)

	Close() error
}
