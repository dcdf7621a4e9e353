package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siphon-proxy/siphon/internal/flow"
	"github.com/siphon-proxy/siphon/internal/pipeline"
)

// tunnelSession drives the tunnel HTTP parser: a raw-byte HTTP/1.1
// read loop over a CONNECT-established, TLS-terminated client stream,
// forwarding each request to upstreamConn and piping the response back,
// until either side closes, a parse error occurs, or the exchange
// upgrades (WebSocket) and hands off to a bidirectional byte join.
type tunnelSession struct {
	d    *Dispatcher
	host string
}

func newTunnelSession(d *Dispatcher, host string) *tunnelSession {
	return &tunnelSession{d: d, host: host}
}

// serve runs the read loop. upstreamConn may be nil, meaning the CONNECT-
// time dial already failed; the first request on this client connection
// then gets the "missing upstream" synthetic 502 before the connection is
// closed, rather than dropping the connection without a response.
func (s *tunnelSession) serve(clientConn, upstreamConn net.Conn) {
	defer clientConn.Close()
	if upstreamConn != nil {
		defer upstreamConn.Close()
	}

	clientReader := bufio.NewReader(clientConn)

	for {
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			if err != io.EOF {
				s.d.logger.Debug("tunnel request parse ended", "host", s.host, "error", err)
			}
			return
		}

		req.URL.Scheme = "https"
		if req.URL.Host == "" {
			req.URL.Host = s.host
		}
		if req.Host == "" {
			req.Host = s.host
		}

		if isUpgrade(req) {
			s.handleUpgrade(req, clientConn, upstreamConn)
			return
		}

		if !s.handleRequest(req, clientConn, upstreamConn) {
			return
		}
	}
}

func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != ""
}

// handleRequest forwards one request/response pair through the pipeline
// and reports whether the tunnel loop should continue reading further
// requests on this connection.
func (s *tunnelSession) handleRequest(r *http.Request, clientConn, upstreamConn net.Conn) bool {
	startTime := time.Now()
	flowID := uuid.NewString()
	ctx := context.Background()

	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}

	f := &flow.Flow{
		ID:        flowID,
		CreatedAt: startTime,
		Host:      s.host,
		Type:      flow.TypeTLSHTTP,
		Method:    r.Method,
		URL:       r.URL.String(),
		Path:      r.URL.Path,
		ReqHead:   flow.NewHeaders(r.Header),
	}
	if len(reqBody) > 0 {
		body := string(reqBody)
		f.ReqBody = &body
	}

	if err := s.d.store.InitRawHTTP(ctx, flowID, canonicalRequest(r.Method, r.URL.RequestURI(), r.Header, reqBody)); err != nil {
		s.d.logger.Warn("failed to init raw HTTP capture", "flow_id", flowID, "error", err)
	}

	if upstreamConn == nil {
		s.d.logger.Error("no upstream connection for tunnel request", "host", s.host)
		s.d.sendSynthetic502(clientConn, ErrNoUpstream)
		f.Completed = false
		s.d.saveFlow(ctx, f)
		return false
	}

	outReq := r.Clone(ctx)
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)
	outReq.Body = io.NopCloser(bytes.NewReader(reqBody))
	outReq.ContentLength = int64(len(reqBody))

	if err := outReq.Write(upstreamConn); err != nil {
		s.d.logger.Error("failed to forward tunnel request", "host", s.host, "error", err)
		s.d.sendSynthetic502(clientConn, err)
		f.Completed = false
		s.d.saveFlow(ctx, f)
		return false
	}

	upstreamReader := bufio.NewReader(upstreamConn)
	resp, err := http.ReadResponse(upstreamReader, outReq)
	if err != nil {
		s.d.logger.Error("failed to read tunnel response", "host", s.host, "error", err)
		s.d.sendSynthetic502(clientConn, err)
		f.Completed = false
		s.d.saveFlow(ctx, f)
		return false
	}
	defer resp.Body.Close()

	// resp.Status carries the upstream's exact reason phrase; the
	// headerFunc closure captures it directly rather than regenerating
	// one from the numeric status the pipeline passes in.
	sink := pipeline.NewClientSink(clientConn, func(status int, headers flow.Headers) error {
		return writeStatusLineAndHeaders(clientConn, resp.Status, headers)
	})
	s.d.pipeResponse(ctx, f, resp, sink, startTime)

	return !closeRequested(r.Header) && !closeRequested(resp.Header)
}

func closeRequested(h http.Header) bool {
	return strings.EqualFold(h.Get("Connection"), "close")
}

// handleUpgrade forwards a WebSocket (or other Upgrade) handshake
// verbatim and, on a 101 response, splices the two raw connections
// together for the rest of the tunnel's life (WebSocket
// passthrough).
func (s *tunnelSession) handleUpgrade(r *http.Request, clientConn, upstreamConn net.Conn) {
	ctx := context.Background()
	startTime := time.Now()
	flowID := uuid.NewString()

	f := &flow.Flow{
		ID:        flowID,
		CreatedAt: startTime,
		Host:      s.host,
		Type:      flow.TypeWebSocket,
		Method:    r.Method,
		URL:       r.URL.String(),
		Path:      r.URL.Path,
		ReqHead:   flow.NewHeaders(r.Header),
		IsStream:  true,
	}

	if upstreamConn == nil {
		s.d.logger.Error("no upstream connection for upgrade request", "host", s.host)
		s.d.sendSynthetic502(clientConn, ErrNoUpstream)
		f.Completed = false
		s.d.saveFlow(ctx, f)
		return
	}

	outReq := r.Clone(ctx)
	outReq.RequestURI = ""
	if err := outReq.Write(upstreamConn); err != nil {
		s.d.logger.Error("failed to forward upgrade request", "host", s.host, "error", err)
		s.d.sendSynthetic502(clientConn, err)
		f.Completed = false
		s.d.saveFlow(ctx, f)
		return
	}

	upstreamReader := bufio.NewReader(upstreamConn)
	statusLine, headBytes, err := readResponseHead(upstreamReader)
	if err != nil {
		s.d.logger.Error("failed to read upgrade response", "host", s.host, "error", err)
		s.d.sendSynthetic502(clientConn, err)
		f.Completed = false
		s.d.saveFlow(ctx, f)
		return
	}

	if _, err := clientConn.Write(headBytes); err != nil {
		s.d.logger.Debug("failed writing upgrade response to client", "host", s.host, "error", err)
		return
	}

	f.StatusCode = parseStatusCode(statusLine)
	f.StatusText = statusLine
	f.Completed = f.StatusCode == http.StatusSwitchingProtocols
	f.DurationMs = time.Since(startTime).Milliseconds()
	s.d.saveFlow(ctx, f)

	if f.StatusCode != http.StatusSwitchingProtocols {
		return
	}

	// From here the exchange is no longer HTTP; splice the raw bytes
	// through for the tunnel's remaining lifetime.
	joinBidirectional(clientConn, upstreamConn, s.d.logger, defaultIdleTimeout)
}

// readResponseHead reads a raw status line plus headers up to the blank
// line terminator, returning the status line text and the exact bytes
// read (for verbatim forwarding to the client).
func readResponseHead(r *bufio.Reader) (string, []byte, error) {
	var head bytes.Buffer
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return "", nil, err
	}
	head.WriteString(statusLine)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		head.WriteString(line)
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	return strings.TrimRight(statusLine, "\r\n"), head.Bytes(), nil
}

func parseStatusCode(statusLine string) int {
	fields := strings.SplitN(statusLine, " ", 3)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}
