// Package proxy implements the HTTP(S) dispatcher and the
// tunnel HTTP parser: the proxy's two entry points for, respectively,
// plain HTTP requests and CONNECT-established TLS interception.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siphon-proxy/siphon/internal/egress"
	"github.com/siphon-proxy/siphon/internal/flow"
	"github.com/siphon-proxy/siphon/internal/pipeline"
	"github.com/siphon-proxy/siphon/internal/tlsca"
	"github.com/siphon-proxy/siphon/internal/transform"
)

// ErrNoUpstream is the "missing upstream" error kind: a tunnel
// request or upgrade arrives with no upstream connection to forward it to
// (e.g. the CONNECT-time dial failed).
var ErrNoUpstream = errors.New("proxy: no upstream connection available")

// Config bundles the collaborators a Dispatcher needs: the certificate
// minter used to terminate client TLS, the flow store every
// exchange is persisted through, and an optional fingerprinted egress
// provider for upstream TLS dials (nil uses the standard library).
type Config struct {
	CertCache   *tlsca.CertCache
	Store       flow.Store
	Logger      *slog.Logger
	Egress      egress.Provider
	Fingerprint string
}

// Dispatcher is the proxy's HTTP(S) entry point.
type Dispatcher struct {
	certCache   *tlsca.CertCache
	store       flow.Store
	logger      *slog.Logger
	egressP     egress.Provider
	fingerprint string

	client *http.Client
	server *http.Server
}

// New builds a Dispatcher listening on addr once Serve is called.
func New(addr string, cfg Config) (*Dispatcher, error) {
	if cfg.CertCache == nil {
		return nil, fmt.Errorf("cert cache is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: false,
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 0,
	}

	d := &Dispatcher{
		certCache:   cfg.CertCache,
		store:       cfg.Store,
		logger:      logger,
		egressP:     cfg.Egress,
		fingerprint: cfg.Fingerprint,
		client:      client,
	}
	d.server = &http.Server{
		Addr:         addr,
		Handler:      d,
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return d, nil
}

// Serve starts the proxy on its own listener and blocks until ctx is
// cancelled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener serves on a caller-supplied listener, so the caller can
// manage port allocation (e.g. fallback on bind failure).
func (d *Dispatcher) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		d.logger.Info("shutting down proxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = d.server.Shutdown(shutdownCtx)
	}()

	d.logger.Info("proxy listening", "addr", ln.Addr().String())
	if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ServeHTTP dispatches CONNECT requests to the MITM tunnel and everything
// else to the plain-HTTP forwarder.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		d.handleConnect(w, r)
		return
	}
	d.handleHTTP(w, r)
}

// handleHTTP forwards a plain HTTP request upstream and pipes the
// response back through the pipeline.
func (d *Dispatcher) handleHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	flowID := uuid.NewString()

	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}

	f := &flow.Flow{
		ID:        flowID,
		CreatedAt: startTime,
		Host:      r.Host,
		Type:      flow.TypePlainHTTP,
		Method:    r.Method,
		URL:       r.URL.String(),
		Path:      r.URL.Path,
		ReqHead:   flow.NewHeaders(r.Header),
	}
	if len(reqBody) > 0 {
		s := string(reqBody)
		f.ReqBody = &s
	}

	if err := d.store.InitRawHTTP(r.Context(), flowID, canonicalRequest(r.Method, r.URL.RequestURI(), r.Header, reqBody)); err != nil {
		d.logger.Warn("failed to init raw HTTP capture", "flow_id", flowID, "error", err)
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), bytes.NewReader(reqBody))
	if err != nil {
		d.writeSynthetic502(w, err)
		return
	}
	copyHeaders(outReq.Header, r.Header)
	removeHopByHopHeaders(outReq.Header)

	resp, err := d.client.Do(outReq)
	if err != nil {
		d.logger.Error("failed to forward request", "flow_id", flowID, "error", err)
		d.writeSynthetic502(w, err)
		f.Completed = false
		d.saveFlow(r.Context(), f)
		return
	}
	defer resp.Body.Close()

	d.pipeResponse(r.Context(), f, resp, clientSinkForResponseWriter(w), startTime)
}

// writeSynthetic502 writes a synthetic 502 directly through an
// http.ResponseWriter, before any upstream response has been obtained.
func (d *Dispatcher) writeSynthetic502(w http.ResponseWriter, cause error) {
	msg := cause.Error()
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", strconv.Itoa(len(msg)))
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, msg)
}

// sendSynthetic502 writes a synthetic 502 directly onto a raw
// connection (the tunnel path, which has no http.ResponseWriter).
func (d *Dispatcher) sendSynthetic502(conn net.Conn, cause error) {
	msg := cause.Error()
	resp := fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		len(msg), msg)
	_, _ = io.WriteString(conn, resp)
}

func clientSinkForResponseWriter(w http.ResponseWriter) *pipeline.ClientSink {
	return pipeline.NewClientSink(w, func(status int, headers flow.Headers) error {
		applyHeaders(w.Header(), headers)
		w.WriteHeader(status)
		return nil
	})
}

// pipeResponse wires one upstream *http.Response into a Pipeline and
// drains its body through it, shared by both the plain-HTTP path and the
// TLS tunnel's per-request path.
func (d *Dispatcher) pipeResponse(ctx context.Context, f *flow.Flow, resp *http.Response, sink pipeline.StreamSink, startTime time.Time) {
	statusMessage := http.StatusText(resp.StatusCode)
	if resp.Status != "" {
		if i := strings.IndexByte(resp.Status, ' '); i >= 0 {
			statusMessage = resp.Status[i+1:]
		}
	}

	meta := &pipeline.Meta{
		Flow:            f,
		StartTime:       startTime,
		StatusCode:      resp.StatusCode,
		StatusMessage:   statusMessage,
		Headers:         flow.NewHeaders(resp.Header),
		ContentType:     resp.Header.Get("Content-Type"),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		IsStreaming:     pipeline.IsStreamingContentType(resp.Header.Get("Content-Type")),
		StoreRawHTTP:    true,
		UpstreamChunked: len(resp.TransferEncoding) > 0,
		LengthUnknown:   resp.ContentLength < 0 && len(resp.TransferEncoding) == 0,
	}

	taps := []pipeline.TapStage{
		pipeline.NewFlowBodyTap(d.store, ctx, d.logger),
		pipeline.NewEventParserTap(d.store, ctx, d.logger),
		pipeline.NewRawHTTPTap(d.store, ctx, d.logger),
	}
	transforms := []pipeline.TransformStage{transform.NewDecompressStage(d.logger)}

	pl := pipeline.New(meta, transforms, taps, sink, d.logger)
	if err := pl.Start(); err != nil {
		d.logger.Debug("failed writing response head", "flow_id", f.ID, "error", err)
		pl.Error(err)
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if werr := pl.WriteChunk(buf[:n]); werr != nil {
				d.logger.Debug("failed writing response chunk", "flow_id", f.ID, "error", werr)
				pl.Error(werr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				pl.End()
			} else {
				d.logger.Debug("error reading upstream response body", "flow_id", f.ID, "error", err)
				pl.Error(err)
			}
			return
		}
	}
}

func (d *Dispatcher) saveFlow(ctx context.Context, f *flow.Flow) {
	if err := d.store.SaveFlow(ctx, f); err != nil {
		d.logger.Warn("failed to persist flow", "flow_id", f.ID, "error", err)
	}
}

// handleConnect answers a CONNECT request with the TLS interception
// sequence: 200 Connection Established, terminate TLS as the
// server using a minted leaf certificate, dial the real upstream with
// SNI set and ALPN forced to http/1.1, then hand both sides to the
// tunnel parser.
func (d *Dispatcher) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	d.logger.Debug("CONNECT request", "host", host)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		d.logger.Error("hijacking not supported")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		d.logger.Error("failed to hijack connection", "error", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		d.logger.Error("failed to write tunnel response", "error", err)
		clientConn.Close()
		return
	}

	tlsConfig := &tls.Config{
		GetCertificate: d.certCache.GetCertificate,
		NextProtos:     []string{"http/1.1"},
	}
	tlsConn := tls.Server(clientConn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		d.logger.Debug("client TLS handshake failed", "host", host, "error", err)
		clientConn.Close()
		return
	}

	upstreamAddr := host
	if !strings.Contains(upstreamAddr, ":") {
		upstreamAddr = net.JoinHostPort(upstreamAddr, "443")
	}
	sniHost := stripPort(host)

	upstreamConn, err := d.dialUpstreamTLS(r.Context(), sniHost, upstreamAddr)
	if err != nil {
		// Per the "missing upstream" error kind: the client TLS
		// session is already established, so the failure is reported over
		// it on the first request rather than dropped silently.
		d.logger.Error("failed to connect to upstream", "host", upstreamAddr, "error", err)
		newTunnelSession(d, host).serve(tlsConn, nil)
		return
	}

	newTunnelSession(d, host).serve(tlsConn, upstreamConn)
}

// dialUpstreamTLS dials addr with the active fingerprinted egress
// provider if one is configured and ready, falling back to the standard
// library's TLS stack otherwise.
func (d *Dispatcher) dialUpstreamTLS(ctx context.Context, sniHost, addr string) (net.Conn, error) {
	if d.egressP != nil && d.egressP.IsReady() {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			host, portStr = addr, "443"
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			port = 443
		}
		return d.egressP.Connect(ctx, host, port, d.fingerprint)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		ServerName: sniHost,
		NextProtos: []string{"http/1.1"},
	})
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
