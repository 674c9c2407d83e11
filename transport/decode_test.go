package transport

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeBody_Codecs(t *testing.T) {
	payload := []byte(`{"results":[1,2,3]}`)

	var brBuf bytes.Buffer
	bw := brotli.NewWriter(&brBuf)
	bw.Write(payload)
	bw.Close()

	var zstdBuf bytes.Buffer
	zw, err := zstd.NewWriter(&zstdBuf)
	if err != nil {
		t.Fatal(err)
	}
	zw.Write(payload)
	zw.Close()

	var zlibBuf bytes.Buffer
	zl := zlib.NewWriter(&zlibBuf)
	zl.Write(payload)
	zl.Close()

	var rawBuf bytes.Buffer
	fw, _ := flate.NewWriter(&rawBuf, flate.DefaultCompression)
	fw.Write(payload)
	fw.Close()

	tests := []struct {
		name     string
		encoding string
		data     []byte
	}{
		{"identity", "", payload},
		{"gzip", "gzip", gzipBytes(t, payload)},
		{"brotli", "br", brBuf.Bytes()},
		{"zstd", "zstd", zstdBuf.Bytes()},
		{"deflate zlib-wrapped", "deflate", zlibBuf.Bytes()},
		{"deflate raw", "deflate", rawBuf.Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeBody(tt.encoding, bytes.NewReader(tt.data), 1<<20)
			if err != nil {
				t.Fatalf("decodeBody: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("decoded: %q", got)
			}
		})
	}
}

func TestDecodeBody_UnknownEncoding(t *testing.T) {
	_, err := decodeBody("snappy", bytes.NewReader([]byte("x")), 1<<20)
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("err: got %v, want ErrEncoding", err)
	}
}

func TestDecodeBody_CapAppliesToDecodedSize(t *testing.T) {
	// WHAT: ~1 MiB of zeros compresses to a few KiB; the cap must see
	// the inflated size.
	compressed := gzipBytes(t, make([]byte, 1<<20))
	if len(compressed) > 16<<10 {
		t.Fatalf("test premise broken: compressed size %d", len(compressed))
	}
	_, err := decodeBody("gzip", bytes.NewReader(compressed), 64<<10)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("err: got %v, want ErrBodyTooLarge", err)
	}
}

func TestNestingDepth(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		depth int
	}{
		{"flat object", `{"a":1}`, 1},
		{"nested", `{"a":{"b":[{"c":1}]}}`, 4},
		{"brackets in strings ignored", `{"a":"{[{[{["}`, 1},
		{"escaped quote in string", `{"a":"x\"{{{"}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nestingDepth([]byte(tt.body), 100); got != tt.depth {
				t.Errorf("depth: got %d, want %d", got, tt.depth)
			}
		})
	}

	deep := strings.Repeat("[", 80) + strings.Repeat("]", 80)
	if got := nestingDepth([]byte(deep), 64); got <= 64 {
		t.Errorf("deep body should exceed limit, got %d", got)
	}
}
