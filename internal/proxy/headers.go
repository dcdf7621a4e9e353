package proxy

import (
	"io"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/siphon-proxy/siphon/internal/flow"
)

// copyHeaders copies every header from src to dst, preserving multi-value
// headers.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// applyHeaders copies flow.Headers (stored lowercase) into an http.Header,
// which canonicalizes to wire-standard title case on Add.
func applyHeaders(dst http.Header, src flow.Headers) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// hopByHopHeaders are stripped before forwarding a request or response,
// since they describe this one connection rather than the exchange
// itself.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders deletes the fixed hop-by-hop set plus any header
// named in the Connection header's own value.
func removeHopByHopHeaders(h http.Header) {
	conn := h.Get("Connection")

	for _, header := range hopByHopHeaders {
		h.Del(header)
	}

	if conn != "" {
		for _, f := range strings.Split(conn, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
}

// canonicalRequest renders the byte-exact canonicalised HTTP/1.1 request
// the glossary describes: "METHOD path HTTP/1.1\r\n" + headers + blank
// line + body. Request capture is uncapped.
func canonicalRequest(method, target string, header http.Header, body []byte) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(target)
	b.WriteString(" HTTP/1.1\r\n")
	writeHeaderLines(&b, header)
	b.WriteString("\r\n")
	b.Write(body)
	return b.String()
}

// writeStatusLineAndHeaders renders "HTTP/1.1 <statusLine>\r\n" + headers +
// blank line directly to w. statusLine is the upstream's own reason
// phrase text (e.g. "200 OK"), preserved verbatim rather than
// regenerated from a status code.
func writeStatusLineAndHeaders(w io.Writer, statusLine string, headers flow.Headers) error {
	var b strings.Builder
	b.WriteString("HTTP/1.1 ")
	b.WriteString(statusLine)
	b.WriteString("\r\n")
	writeHeaderLinesFlow(&b, headers)
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func writeHeaderLines(b *strings.Builder, header http.Header) {
	for name, values := range header {
		canon := textproto.CanonicalMIMEHeaderKey(name)
		for _, v := range values {
			b.WriteString(canon)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
}

func writeHeaderLinesFlow(b *strings.Builder, headers flow.Headers) {
	for name, values := range headers {
		canon := textproto.CanonicalMIMEHeaderKey(name)
		for _, v := range values {
			b.WriteString(canon)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
}
