// Package transform implements the response body transform stages wired
// into the pipeline, currently just content-encoding decompression.
package transform

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/siphon-proxy/siphon/internal/pipeline"
)

// DecompressStage buffers an entire response body and decodes it per its
// content-encoding once the stream ends. These encodings generally can't
// be decoded chunk-by-chunk with guaranteed forward progress, and every
// downstream consumer (event parsers, body taps, the client) benefits
// from seeing an identity-encoded body.
type DecompressStage struct {
	logger *slog.Logger

	buf []byte
}

// NewDecompressStage returns a DecompressStage. A nil logger falls back
// to slog.Default().
func NewDecompressStage(logger *slog.Logger) *DecompressStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecompressStage{logger: logger}
}

// ShouldActivate reports whether the response carries a recognized
// content-encoding.
func (d *DecompressStage) ShouldActivate(meta *pipeline.Meta) bool {
	return decoderFor(meta.ContentEncoding) != nil
}

// HeaderMods is always nil: decompression always forces buffering (it
// can't decode a partial body), so its header changes are only known at
// Flush, never up front.
func (d *DecompressStage) HeaderMods(meta *pipeline.Meta) *pipeline.HeaderMods {
	return nil
}

// Process buffers chunk; decoding only happens once the stream ends,
// since these codecs cannot reliably decode partial input.
func (d *DecompressStage) Process(chunk []byte, meta *pipeline.Meta) (*pipeline.ProcessResult, error) {
	d.buf = append(d.buf, chunk...)
	return nil, nil
}

// Flush decodes the accumulated buffer and emits the header changes that
// make the decoded body consistent: content-encoding and
// transfer-encoding removed, content-length set to the decoded size.
func (d *DecompressStage) Flush(meta *pipeline.Meta) (*pipeline.ProcessResult, error) {
	decode := decoderFor(meta.ContentEncoding)
	if decode == nil {
		return &pipeline.ProcessResult{Data: d.buf}, nil
	}

	decoded, err := decode(d.buf)
	if err != nil {
		d.logger.Warn("decompression failed, passing body through unchanged",
			"encoding", meta.ContentEncoding, "error", err)
		return &pipeline.ProcessResult{Data: d.buf}, nil
	}

	return &pipeline.ProcessResult{
		Data: decoded,
		HeaderMods: &pipeline.HeaderMods{
			Set: map[string]string{
				"content-length": strconv.Itoa(len(decoded)),
			},
			Remove: []string{"content-encoding", "transfer-encoding"},
		},
	}, nil
}

type decoderFunc func(body []byte) ([]byte, error)

func decoderFor(contentEncoding string) decoderFunc {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip", "x-gzip":
		return decodeGzip
	case "deflate":
		return decodeDeflate
	case "br":
		return decodeBrotli
	case "zstd":
		return decodeZstd
	default:
		return nil
	}
}

func decodeGzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// decodeDeflate handles both the zlib-framed and raw deflate variants
// upstreams send under the same "deflate" content-encoding. zlib.NewReader
// fails fast on a missing zlib header, in which case the bytes are
// re-tried as raw deflate via klauspost/compress/flate.
func decodeDeflate(body []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		defer zr.Close()
		data, err := io.ReadAll(zr)
		if err == nil {
			return data, nil
		}
	}

	fr := flate.NewReader(bytes.NewReader(body))
	defer fr.Close()
	data, err := io.ReadAll(fr)
	if err != nil {
		return nil, fmt.Errorf("raw deflate: %w", err)
	}
	return data, nil
}

func decodeBrotli(body []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(body))
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("brotli: %w", err)
	}
	return data, nil
}

func decodeZstd(body []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return data, nil
}
