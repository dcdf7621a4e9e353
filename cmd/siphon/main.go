// Command siphon runs the intercepting HTTP/HTTPS proxy described in
// internal/proxy: it terminates client TLS with a locally-minted CA,
// forwards requests upstream, and persists every exchange through
// internal/flow.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/siphon-proxy/siphon/internal/config"
	"github.com/siphon-proxy/siphon/internal/egress"
	"github.com/siphon-proxy/siphon/internal/flow"
	"github.com/siphon-proxy/siphon/internal/proxy"
	"github.com/siphon-proxy/siphon/internal/tlsca"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to an optional YAML config file")
	port := flag.Int("port", 0, "Proxy listen port (overrides config, 0 uses the config's listen address)")
	trustDir := flag.String("trust-dir", "", "Directory holding the CA key/certificate (overrides config)")
	egressSocket := flag.String("egress-socket", "", "Unix socket of an external fingerprinted-TLS egress helper (overrides config)")
	egressFingerprint := flag.String("egress-fingerprint", "", "Browser fingerprint tag passed to the egress provider")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	if *port != 0 {
		cfg.Proxy.Listen = net.JoinHostPort("", strconv.Itoa(*port))
	}
	if *trustDir != "" {
		cfg.Proxy.TrustDir = *trustDir
	}
	if *egressSocket != "" {
		cfg.Egress.Socket = *egressSocket
	}
	if *egressFingerprint != "" {
		cfg.Egress.Fingerprint = *egressFingerprint
	}

	if err := os.MkdirAll(cfg.Proxy.TrustDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create trust directory %s: %v\n", cfg.Proxy.TrustDir, err)
		return 1
	}

	ca, err := tlsca.LoadOrCreateCA(cfg.Proxy.TrustDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load/create CA certificate: %v\n", err)
		return 1
	}
	logger.Info("CA loaded", "path", filepath.Join(cfg.Proxy.TrustDir, "ca.crt"))

	certCache := tlsca.NewCertCache(ca, 1000)

	dbPath := filepath.Join(cfg.Proxy.TrustDir, "..", "siphon.db")
	store, err := flow.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open flow store at %s: %v\n", dbPath, err)
		return 1
	}
	defer store.Close()

	var egressProvider egress.Provider
	registry := egress.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Egress.Socket != "" {
		provider := egress.NewExternalProvider("unix", cfg.Egress.Socket)
		if err := registry.Switch(ctx, provider); err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize egress provider at %s: %v\n", cfg.Egress.Socket, err)
			return 1
		}
		egressProvider = registry.Active()
		logger.Info("fingerprinted egress provider ready", "socket", cfg.Egress.Socket)
	}

	ln, addr, err := listenWithFallback(cfg.Proxy.ListenAddr(), 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind proxy listener on %s: %v\n", cfg.Proxy.ListenAddr(), err)
		return 1
	}

	dispatcher, err := proxy.New(addr, proxy.Config{
		CertCache:   certCache,
		Store:       store,
		Logger:      logger,
		Egress:      egressProvider,
		Fingerprint: cfg.Egress.Fingerprint,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create proxy: %v\n", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		host, portStr = addr, ""
	}
	fmt.Printf("Proxy running on %s:%s\n", host, portStr)
	fmt.Println("READY")

	if err := dispatcher.ServeListener(ctx, ln); err != nil && err != context.Canceled {
		logger.Error("proxy error", "error", err)
		if egressProvider != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = egressProvider.Shutdown(shutdownCtx)
			shutdownCancel()
		}
		return 1
	}

	if egressProvider != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := egressProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("egress provider shutdown error", "error", err)
		}
	}

	logger.Info("siphon shutdown complete")
	return 0
}

// listenWithFallback attempts to listen on baseAddr, falling back to
// subsequent ports if the port is already in use.
func listenWithFallback(baseAddr string, maxAttempts int) (net.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(baseAddr)
	if err != nil {
		ln, err := net.Listen("tcp", baseAddr)
		if err != nil {
			return nil, "", err
		}
		return ln, baseAddr, nil
	}

	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(basePort+i))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, addr, nil
		}
		if isAddrInUse(err) {
			lastErr = err
			continue
		}
		return nil, "", err
	}

	return nil, "", fmt.Errorf("all %d ports starting from %s are in use: %w", maxAttempts, baseAddr, lastErr)
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "Only one usage of each socket address") ||
		strings.Contains(msg, "EADDRINUSE")
}
