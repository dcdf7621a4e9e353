package pipeline

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/siphon-proxy/siphon/internal/flow"
)

// Pipeline wires one response into its processing graph: transforms run
// over the body, taps observe post-transform bytes, and sinks deliver
// them onward. One Pipeline serves exactly one response.
type Pipeline struct {
	meta   *Meta
	logger *slog.Logger
	sink   StreamSink

	activeTransforms []TransformStage
	activeTaps       []TapStage

	buffering bool
	buf       []byte

	headersSent bool

	mu       sync.Mutex
	finished bool
}

// New builds a Pipeline for one response. transforms and taps are
// filtered down to the ones that activate for meta; sink receives the
// finished bytes (wrap several sinks in a TeeSink to fan out).
func New(meta *Meta, transforms []TransformStage, taps []TapStage, sink StreamSink, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{meta: meta, logger: logger, sink: sink}

	for _, t := range transforms {
		if t.ShouldActivate(meta) {
			p.activeTransforms = append(p.activeTransforms, t)
		}
	}
	for _, tap := range taps {
		if tap.ShouldActivate(meta) {
			p.activeTaps = append(p.activeTaps, tap)
		}
	}

	// Buffering is required whenever a transform needs the
	// whole body (decompression can't decode partial input), or when a
	// raw-HTTP snapshot is wanted but the upstream was chunk-framed (its
	// content-length can only be recomputed once the full body is seen).
	p.buffering = len(p.activeTransforms) > 0 || (meta.StoreRawHTTP && meta.UpstreamChunked)

	return p
}

// Start emits headers immediately on the non-buffering path. Buffering
// responses defer header emission until Finish, once the final body
// length (and any transform header mods) are known.
func (p *Pipeline) Start() error {
	if p.buffering {
		return nil
	}

	headers := p.meta.Headers
	for _, t := range p.activeTransforms {
		t.HeaderMods(p.meta).Apply(headers)
	}

	if p.meta.LengthUnknown && headers.Get("Content-Length") == "" && headers.Get("Transfer-Encoding") == "" {
		headers.Set("Connection", "close")
	}

	return p.emitHeaders(headers)
}

func (p *Pipeline) emitHeaders(headers flow.Headers) error {
	if p.headersSent {
		return nil
	}
	p.headersSent = true
	return p.sink.WriteHead(p.meta.StatusCode, headers)
}

// WriteChunk delivers one chunk of upstream response data. On the
// buffering path it is appended to an internal buffer; otherwise it runs
// through active transforms, is dispatched to taps, and is written to
// the sink, all immediately.
func (p *Pipeline) WriteChunk(chunk []byte) error {
	if p.buffering {
		p.buf = append(p.buf, chunk...)
		return nil
	}

	data := chunk
	for _, t := range p.activeTransforms {
		result, err := t.Process(data, p.meta)
		if err != nil {
			return err
		}
		if result == nil {
			data = nil
			break
		}
		data = result.Data
	}

	p.dispatchTaps(data)

	if len(data) == 0 {
		return nil
	}
	return p.sink.Write(data)
}

// dispatchTaps calls OnChunk on every active tap. A misbehaving tap must
// never break the response for the client or for other taps, so a panic
// or the tap's own error handling is contained per-tap.
func (p *Pipeline) dispatchTaps(data []byte) {
	if len(data) == 0 {
		return
	}
	for _, tap := range p.activeTaps {
		p.runTap(tap, data)
	}
}

func (p *Pipeline) runTap(tap TapStage, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("tap panicked, continuing", "panic", r)
		}
	}()
	tap.OnChunk(data, p.meta)
}

// End finalises the response on success. It is idempotent with Error and
// Close: only the first of the three terminal calls does anything.
func (p *Pipeline) End() error {
	return p.finish(nil)
}

// Error finalises the response after an upstream read/transform failure.
// Idempotent with End and Close.
func (p *Pipeline) Error(err error) error {
	return p.finish(err)
}

// Close finalises the response because the underlying connection closed
// before a clean end. Idempotent with End and Error.
func (p *Pipeline) Close() error {
	return p.finish(nil)
}

func (p *Pipeline) finish(terminalErr error) error {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return nil
	}
	p.finished = true
	p.mu.Unlock()

	defer func() {
		p.meta.Flow.DurationMs = time.Since(p.meta.StartTime).Milliseconds()
		p.sink.End()
	}()

	var err error
	if p.buffering {
		err = p.finishBuffered()
	} else {
		err = p.finishStreamed()
	}

	if terminalErr != nil {
		p.notifyTapsError(terminalErr)
	} else if err != nil {
		p.notifyTapsError(err)
	} else {
		p.notifyTapsEnd()
	}

	if terminalErr != nil {
		return terminalErr
	}
	return err
}

// finishBuffered runs the accumulated body through each transform's
// Process then Flush (preferring the Flush output), computes final
// headers, and emits both in one shot.
func (p *Pipeline) finishBuffered() error {
	data := p.buf
	headers := p.meta.Headers

	for _, t := range p.activeTransforms {
		if result, err := t.Process(data, p.meta); err == nil && result != nil {
			data = result.Data
			result.HeaderMods.Apply(headers)
		}

		result, err := t.Flush(p.meta)
		if err != nil {
			p.logger.Warn("transform flush failed, using pre-flush data", "error", err)
			continue
		}
		if result == nil {
			continue
		}
		data = result.Data
		result.HeaderMods.Apply(headers)
	}

	headers.Set("Content-Length", contentLength(len(data)))
	headers.Del("Transfer-Encoding")

	if err := p.emitHeaders(headers); err != nil {
		return err
	}

	p.dispatchTaps(data)

	if len(data) == 0 {
		return nil
	}
	return p.sink.Write(data)
}

// finishStreamed flushes each transform's remaining state and delivers
// any final bytes it produces; headers were already sent in Start.
func (p *Pipeline) finishStreamed() error {
	for _, t := range p.activeTransforms {
		result, err := t.Flush(p.meta)
		if err != nil {
			p.logger.Warn("transform flush failed", "error", err)
			continue
		}
		if result == nil || len(result.Data) == 0 {
			continue
		}
		p.dispatchTaps(result.Data)
		if err := p.sink.Write(result.Data); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) notifyTapsEnd() {
	for _, tap := range p.activeTaps {
		p.runTapEnd(tap)
	}
}

func (p *Pipeline) runTapEnd(tap TapStage) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("tap panicked on end, continuing", "panic", r)
		}
	}()
	tap.OnEnd(p.meta)
}

func (p *Pipeline) notifyTapsError(err error) {
	for _, tap := range p.activeTaps {
		p.runTapError(tap, err)
	}
}

func (p *Pipeline) runTapError(tap TapStage, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("tap panicked on error, continuing", "panic", r)
		}
	}()
	tap.OnError(err, p.meta)
}

func contentLength(n int) string {
	return strconv.Itoa(n)
}
