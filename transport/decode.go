package transport

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is sent on every tiered HTTP request. The stdlib's
// transparent gzip is disabled so the size cap measures decoded bytes
// for every codec, not just the ones the stdlib knows.
const acceptEncoding = "gzip, deflate, br, zstd"

// decodeBody decodes r according to the Content-Encoding chain and reads
// at most max decoded bytes. One byte over the cap is ErrBodyTooLarge —
// the decoder never buffers an unbounded payload to find out its size.
func decodeBody(encoding string, r io.Reader, max int64) ([]byte, error) {
	// Encodings apply in order; decode in reverse.
	codecs := splitEncodings(encoding)
	for i := len(codecs) - 1; i >= 0; i-- {
		var err error
		r, err = decoder(codecs[i], r)
		if err != nil {
			return nil, err
		}
	}
	return readBounded(r, max)
}

func splitEncodings(encoding string) []string {
	var out []string
	for _, e := range strings.Split(encoding, ",") {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && e != "identity" {
			out = append(out, e)
		}
	}
	return out
}

func decoder(codec string, r io.Reader) (io.Reader, error) {
	switch codec {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrEncoding, err)
		}
		return zr, nil
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		// zlib is the spec'd form; fall back to raw on a bad header.
		return newDeflateReader(r), nil
	case "br":
		return brotli.NewReader(r), nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrEncoding, err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrEncoding, codec)
	}
}

// deflateReader tries zlib first and falls back to raw flate, deciding on
// the first Read so the constructor never blocks.
type deflateReader struct {
	src io.Reader
	r   io.Reader
}

func newDeflateReader(src io.Reader) *deflateReader {
	return &deflateReader{src: src}
}

func (d *deflateReader) Read(p []byte) (int, error) {
	if d.r == nil {
		br := newPeekReader(d.src)
		head, err := br.peek(2)
		if err == nil && head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0 {
			zr, zerr := zlib.NewReader(br)
			if zerr == nil {
				d.r = zr
			}
		}
		if d.r == nil {
			d.r = flate.NewReader(br)
		}
	}
	return d.r.Read(p)
}

// peekReader buffers just enough to sniff a header then replays it.
type peekReader struct {
	src io.Reader
	buf []byte
}

func newPeekReader(src io.Reader) *peekReader { return &peekReader{src: src} }

func (p *peekReader) peek(n int) ([]byte, error) {
	for len(p.buf) < n {
		chunk := make([]byte, n-len(p.buf))
		m, err := p.src.Read(chunk)
		p.buf = append(p.buf, chunk[:m]...)
		if err != nil {
			return p.buf, err
		}
	}
	return p.buf[:n], nil
}

func (p *peekReader) Read(b []byte) (int, error) {
	if len(p.buf) > 0 {
		n := copy(b, p.buf)
		p.buf = p.buf[n:]
		return n, nil
	}
	return p.src.Read(b)
}

// readBounded reads up to max bytes and fails if more remain.
func readBounded(r io.Reader, max int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if int64(len(body)) > max {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}
