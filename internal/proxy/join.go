package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// defaultIdleTimeout bounds how long a joined tunnel (e.g. a WebSocket
// upgrade) may sit with no traffic in either direction before it is torn
// down.
const defaultIdleTimeout = 5 * time.Minute

// joinBidirectional splices a and b together until either side closes or
// goes idle past idleTimeout, then closes both. Used once a CONNECT
// tunnel has upgraded past HTTP framing (WebSocket passthrough).
func joinBidirectional(a, b net.Conn, logger *slog.Logger, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}

	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := copyWithIdleTimeout(a, b, idleTimeout); err != nil && !isClosedOrTimeout(err) {
			logger.Debug("tunnel copy ended", "direction", "upstream->client", "error", err)
		}
		closeAll()
	}()
	go func() {
		defer wg.Done()
		if err := copyWithIdleTimeout(b, a, idleTimeout); err != nil && !isClosedOrTimeout(err) {
			logger.Debug("tunnel copy ended", "direction", "client->upstream", "error", err)
		}
		closeAll()
	}()

	wg.Wait()
}

// copyWithIdleTimeout copies from src to dst, resetting src's read
// deadline after every successful read so the tunnel only dies once
// idleTimeout passes with no traffic, not after a fixed total duration.
func copyWithIdleTimeout(dst io.Writer, src net.Conn, idleTimeout time.Duration) error {
	buf := make([]byte, 32*1024)
	for {
		if err := src.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			// Traffic this way also keeps the opposite copy's read alive,
			// so only a tunnel silent in both directions times out.
			if dc, ok := dst.(net.Conn); ok {
				dc.SetReadDeadline(time.Now().Add(idleTimeout))
			}
		}
		if err != nil {
			return err
		}
	}
}

func isClosedOrTimeout(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
