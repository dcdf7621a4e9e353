package transform

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"log/slog"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/siphon-proxy/siphon/internal/flow"
	"github.com/siphon-proxy/siphon/internal/pipeline"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func zlibBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}
	return buf.Bytes()
}

func rawDeflateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("flate writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("flate write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("flate close: %v", err)
	}
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("brotli write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("brotli close: %v", err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("zstd write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	return buf.Bytes()
}

func newMeta(encoding string) *pipeline.Meta {
	return &pipeline.Meta{
		Headers:         flow.NewHeaders(nil),
		ContentEncoding: encoding,
	}
}

func TestDecompressStage_ShouldActivate(t *testing.T) {
	d := NewDecompressStage(nil)
	cases := map[string]bool{
		"gzip":    true,
		"x-gzip":  true,
		"deflate": true,
		"br":      true,
		"zstd":    true,
		"":        false,
		"identity": false,
	}
	for encoding, want := range cases {
		if got := d.ShouldActivate(newMeta(encoding)); got != want {
			t.Errorf("ShouldActivate(%q) = %v, want %v", encoding, got, want)
		}
	}
}

func TestDecompressStage_Gzip(t *testing.T) {
	original := []byte("hello gzip world")
	d := NewDecompressStage(nil)
	meta := newMeta("gzip")

	if _, err := d.Process(gzipBytes(t, original), meta); err != nil {
		t.Fatalf("Process: %v", err)
	}
	result, err := d.Flush(meta)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !bytes.Equal(result.Data, original) {
		t.Errorf("Data = %q, want %q", result.Data, original)
	}
	if result.HeaderMods.Set["content-length"] != "16" {
		t.Errorf("content-length = %q, want 16", result.HeaderMods.Set["content-length"])
	}
}

func TestDecompressStage_ZlibDeflate(t *testing.T) {
	original := []byte("zlib framed deflate")
	d := NewDecompressStage(nil)
	meta := newMeta("deflate")

	d.Process(zlibBytes(t, original), meta)
	result, err := d.Flush(meta)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !bytes.Equal(result.Data, original) {
		t.Errorf("Data = %q, want %q", result.Data, original)
	}
}

func TestDecompressStage_RawDeflate(t *testing.T) {
	original := []byte("raw deflate no zlib header")
	d := NewDecompressStage(nil)
	meta := newMeta("deflate")

	d.Process(rawDeflateBytes(t, original), meta)
	result, err := d.Flush(meta)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !bytes.Equal(result.Data, original) {
		t.Errorf("Data = %q, want %q", result.Data, original)
	}
}

func TestDecompressStage_Brotli(t *testing.T) {
	original := []byte("brotli compressed body")
	d := NewDecompressStage(nil)
	meta := newMeta("br")

	d.Process(brotliBytes(t, original), meta)
	result, err := d.Flush(meta)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !bytes.Equal(result.Data, original) {
		t.Errorf("Data = %q, want %q", result.Data, original)
	}
}

func TestDecompressStage_Zstd(t *testing.T) {
	original := []byte("zstd compressed body")
	d := NewDecompressStage(nil)
	meta := newMeta("zstd")

	d.Process(zstdBytes(t, original), meta)
	result, err := d.Flush(meta)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !bytes.Equal(result.Data, original) {
		t.Errorf("Data = %q, want %q", result.Data, original)
	}
}

func TestDecompressStage_HeaderModsRemoveEncodingHeaders(t *testing.T) {
	d := NewDecompressStage(nil)
	meta := newMeta("gzip")
	d.Process(gzipBytes(t, []byte("x")), meta)

	result, err := d.Flush(meta)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	wantRemoved := map[string]bool{"content-encoding": false, "transfer-encoding": false}
	for _, name := range result.HeaderMods.Remove {
		if _, ok := wantRemoved[name]; ok {
			wantRemoved[name] = true
		}
	}
	for name, found := range wantRemoved {
		if !found {
			t.Errorf("HeaderMods.Remove missing %q", name)
		}
	}
}

func TestDecompressStage_CorruptBodyPassesThroughUnchanged(t *testing.T) {
	d := NewDecompressStage(slog.Default())
	meta := newMeta("gzip")
	garbage := []byte("not actually gzip data")

	d.Process(garbage, meta)
	result, err := d.Flush(meta)
	if err != nil {
		t.Fatalf("Flush should not return an error on decode failure, got %v", err)
	}
	if !bytes.Equal(result.Data, garbage) {
		t.Errorf("Data = %q, want original garbage passed through", result.Data)
	}
	if result.HeaderMods != nil {
		t.Errorf("HeaderMods = %+v, want nil on passthrough", result.HeaderMods)
	}
}

func TestDecompressStage_ProcessBuffersWithoutEmitting(t *testing.T) {
	d := NewDecompressStage(nil)
	meta := newMeta("gzip")
	full := gzipBytes(t, []byte("split across chunks"))
	mid := len(full) / 2

	result, err := d.Process(full[:mid], meta)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result != nil {
		t.Errorf("Process should not emit output before Flush, got %+v", result)
	}

	result, err = d.Process(full[mid:], meta)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result != nil {
		t.Errorf("Process should not emit output before Flush, got %+v", result)
	}

	final, err := d.Flush(meta)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if string(final.Data) != "split across chunks" {
		t.Errorf("Data = %q", final.Data)
	}
}
