package eventstream

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
)

// Frame size bounds. A total_length outside this range means the
// buffer has desynced (e.g. we started reading mid-stream); BinaryParser
// re-syncs by dropping one byte and retrying rather than failing the flow.
const (
	minFrameLen = 16
	maxFrameLen = 16 * 1024 * 1024
)

const (
	headerTypeBoolTrue  = 0
	headerTypeBoolFalse = 1
	headerTypeInt8      = 2
	headerTypeInt16     = 3
	headerTypeInt32     = 4
	headerTypeInt64     = 5
	headerTypeBytes     = 6
	headerTypeString    = 7
	headerTypeTimestamp = 8
	headerTypeUUID      = 9
)

// BinaryParser incrementally parses an AWS-style binary event-stream
// length-prefixed frames carrying typed headers and a payload.
type BinaryParser struct {
	buf    []byte
	logger Logger
}

// NewBinaryParser returns an empty BinaryParser.
func NewBinaryParser() *BinaryParser {
	return &BinaryParser{}
}

// NewBinaryParserWithLogger returns a BinaryParser that reports re-sync
// events to logger.
func NewBinaryParserWithLogger(logger Logger) *BinaryParser {
	return &BinaryParser{logger: logger}
}

// Feed appends chunk to the carry buffer and returns every event produced
// by fully-buffered frames.
func (p *BinaryParser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)
	return p.drain()
}

// Flush drains any complete frames still in the buffer. An incomplete
// trailing frame is discarded; there is nothing more to wait for.
func (p *BinaryParser) Flush() []Event {
	events := p.drain()
	p.buf = nil
	return events
}

func (p *BinaryParser) drain() []Event {
	var events []Event
	for {
		if len(p.buf) < 4 {
			return events
		}
		totalLen := binary.BigEndian.Uint32(p.buf[0:4])

		if totalLen < minFrameLen || totalLen > maxFrameLen {
			if p.logger != nil {
				p.logger.Warn("binary event-stream frame out of bounds, resyncing", "total_length", totalLen)
			}
			p.buf = p.buf[1:]
			continue
		}
		if uint32(len(p.buf)) < totalLen {
			return events
		}

		frame := p.buf[:totalLen]
		p.buf = p.buf[totalLen:]

		if ev, ok := parseFrame(frame, p.logger); ok {
			events = append(events, ev)
		}
	}
}

// parseFrame decodes one complete frame (prelude + headers + payload +
// trailing CRC, which is not verified).
func parseFrame(frame []byte, logger Logger) (Event, bool) {
	totalLen := binary.BigEndian.Uint32(frame[0:4])
	headersLen := binary.BigEndian.Uint32(frame[4:8])
	// frame[8:12] is prelude_crc, not verified.

	headerStart := 12
	headerEnd := headerStart + int(headersLen)
	payloadEnd := int(totalLen) - 4 // trailing message_crc, not verified

	if headerEnd > payloadEnd || payloadEnd > len(frame) {
		if logger != nil {
			logger.Warn("binary event-stream frame has inconsistent header/payload lengths", "total_length", totalLen, "headers_length", headersLen)
		}
		return Event{}, false
	}

	headers := parseHeaders(frame[headerStart:headerEnd])
	payload := frame[headerEnd:payloadEnd]

	return eventFromFrame(headers, payload), true
}

func parseHeaders(b []byte) map[string]headerValue {
	headers := make(map[string]headerValue)
	for len(b) > 0 {
		nameLen := int(b[0])
		b = b[1:]
		if len(b) < nameLen+1 {
			return headers
		}
		name := string(b[:nameLen])
		b = b[nameLen:]

		typ := b[0]
		b = b[1:]

		val, rest, ok := parseHeaderValue(typ, b)
		if !ok {
			// Unknown type aborts header parsing for this frame but the
			// payload is still usable.
			return headers
		}
		headers[name] = val
		b = rest
	}
	return headers
}

type headerValue struct {
	typ byte
	str string
	b   bool
	i   int64
}

func parseHeaderValue(typ byte, b []byte) (headerValue, []byte, bool) {
	switch typ {
	case headerTypeBoolTrue:
		return headerValue{typ: typ, b: true}, b, true
	case headerTypeBoolFalse:
		return headerValue{typ: typ, b: false}, b, true
	case headerTypeInt8:
		if len(b) < 1 {
			return headerValue{}, nil, false
		}
		return headerValue{typ: typ, i: int64(int8(b[0]))}, b[1:], true
	case headerTypeInt16:
		if len(b) < 2 {
			return headerValue{}, nil, false
		}
		return headerValue{typ: typ, i: int64(int16(binary.BigEndian.Uint16(b)))}, b[2:], true
	case headerTypeInt32:
		if len(b) < 4 {
			return headerValue{}, nil, false
		}
		return headerValue{typ: typ, i: int64(int32(binary.BigEndian.Uint32(b)))}, b[4:], true
	case headerTypeInt64, headerTypeTimestamp:
		if len(b) < 8 {
			return headerValue{}, nil, false
		}
		return headerValue{typ: typ, i: int64(binary.BigEndian.Uint64(b))}, b[8:], true
	case headerTypeBytes:
		if len(b) < 2 {
			return headerValue{}, nil, false
		}
		n := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if len(b) < n {
			return headerValue{}, nil, false
		}
		return headerValue{typ: typ, str: string(b[:n])}, b[n:], true
	case headerTypeString:
		if len(b) < 2 {
			return headerValue{}, nil, false
		}
		n := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if len(b) < n {
			return headerValue{}, nil, false
		}
		return headerValue{typ: typ, str: string(b[:n])}, b[n:], true
	case headerTypeUUID:
		if len(b) < 16 {
			return headerValue{}, nil, false
		}
		return headerValue{typ: typ, str: string(b[:16])}, b[16:], true
	default:
		return headerValue{}, nil, false
	}
}

// eventFromFrame applies the event-conversion rules to a decoded frame.
func eventFromFrame(headers map[string]headerValue, payload []byte) Event {
	if isException(headers) {
		return exceptionEvent(headers, payload)
	}

	var outer map[string]interface{}
	if err := json.Unmarshal(payload, &outer); err == nil {
		if b64, ok := outer["bytes"].(string); ok {
			if decoded, err := base64.StdEncoding.DecodeString(b64); err == nil {
				// The decoded bytes are expected to be JSON too (a typed
				// inner event); its own "type" field names the event when
				// no :event-type header already does.
				return Event{Name: innerEventName(headers, decoded), Data: string(decoded)}
			}
		}
	}

	return Event{Name: eventTypeName(headers), Data: string(payload)}
}

// innerEventName prefers an explicit :event-type header, then falls back
// to the decoded inner JSON's own "type" field, then "message".
func innerEventName(headers map[string]headerValue, decoded []byte) string {
	if v, ok := headers[":event-type"]; ok && v.str != "" {
		return v.str
	}
	var inner map[string]interface{}
	if err := json.Unmarshal(decoded, &inner); err == nil {
		if t, ok := inner["type"].(string); ok && t != "" {
			return t
		}
	}
	return "message"
}

func isException(headers map[string]headerValue) bool {
	if v, ok := headers[":message-type"]; ok && v.str == "exception" {
		return true
	}
	_, ok := headers[":exception-type"]
	return ok
}

func exceptionEvent(headers map[string]headerValue, payload []byte) Event {
	errType := headers[":exception-type"].str

	message := string(payload)
	var parsed map[string]interface{}
	if err := json.Unmarshal(payload, &parsed); err == nil {
		if m, ok := parsed["message"].(string); ok {
			message = m
		} else if m, ok := parsed["Message"].(string); ok {
			message = m
		}
	}

	data, _ := json.Marshal(map[string]string{
		"type":      "exception",
		"errorType": errType,
		"message":   message,
	})

	return Event{Name: "exception:" + errType, Data: string(data)}
}

func eventTypeName(headers map[string]headerValue) string {
	if v, ok := headers[":event-type"]; ok && v.str != "" {
		return v.str
	}
	return "message"
}
