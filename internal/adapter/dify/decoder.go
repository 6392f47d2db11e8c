package dify

import (
	"bytes"
	"context"
	"io"
	"log/slog"

	"chatrelay/internal/domain"
)

var (
	frameSep   = []byte("\n\n")
	dataPrefix = []byte("data: ")
)

// FrameDecoder incrementally splits a byte stream into SSE data payloads.
// Chunks may arrive split at arbitrary byte boundaries, including inside a
// multi-byte UTF-8 sequence; the decoder buffers bytes until a full frame
// (terminated by a blank line) is available, so the output is identical
// regardless of how the input was chunked.
type FrameDecoder struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns the data payloads
// of every complete frame now available. Frames without a data line and
// comment or field lines within a frame are dropped. Returned slices are
// copies and remain valid after the next Feed.
func (d *FrameDecoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var payloads [][]byte
	for {
		i := bytes.Index(d.buf, frameSep)
		if i < 0 {
			break
		}
		frame := d.buf[:i]
		d.buf = d.buf[i+len(frameSep):]

		if p := framePayload(frame); p != nil {
			payloads = append(payloads, p)
		}
	}
	return payloads
}

// Pending reports whether an incomplete frame is buffered. An incomplete
// trailing frame at connection close is discarded, never parsed.
func (d *FrameDecoder) Pending() bool { return len(bytes.TrimSpace(d.buf)) > 0 }

// framePayload extracts the concatenated data-line payload of one frame,
// or nil if the frame carries no data lines.
func framePayload(frame []byte) []byte {
	var out []byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		if out != nil {
			out = append(out, '\n')
		}
		out = append(out, line[len(dataPrefix):]...)
	}
	if out == nil {
		return nil
	}
	return append([]byte(nil), out...)
}

// DecodeStream reads SSE frames from body, classifies each data payload
// and delivers the typed events on the returned channel in stream order.
// Payloads that fail to parse are logged and skipped; the stream continues.
// The channel is closed when the body ends, the body errors, or ctx is
// cancelled. The body is always closed.
func DecodeStream(ctx context.Context, body io.ReadCloser, logger *slog.Logger) <-chan domain.StreamEvent {
	ch := make(chan domain.StreamEvent, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		var dec FrameDecoder
		buf := make([]byte, 4096)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				for _, payload := range dec.Feed(buf[:n]) {
					ev, cerr := domain.Classify(payload)
					if cerr != nil {
						logger.Debug("skipping unparseable frame", "error", cerr)
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					logger.Debug("stream read ended", "error", err)
				}
				if dec.Pending() {
					logger.Debug("discarding incomplete trailing frame")
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return ch
}
