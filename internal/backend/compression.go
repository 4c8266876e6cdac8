// internal/backend/compression.go
package backend

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var (
	gzipReaders = sync.Pool{New: func() interface{} { return new(gzip.Reader) }}
	brReaders   = sync.Pool{New: func() interface{} { return brotli.NewReader(nil) }}
	emptyReader = strings.NewReader("")
)

// compressionTransport advertises br/gzip/deflate and decodes the response
// body so callers always read plain bytes.
type compressionTransport struct {
	next http.RoundTripper
}

func newCompressionTransport(next http.RoundTripper) *compressionTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &compressionTransport{next: next}
}

func (t *compressionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br, gzip, deflate")
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return resp, nil
}

// decodedBody closes the decoder, returns it to its pool, and closes the raw body.
type decodedBody struct {
	io.Reader
	raw     io.ReadCloser
	release func()
}

func (b *decodedBody) Close() error {
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return b.raw.Close()
}

// decodeBody unwraps Content-Encoding layers in reverse order of application.
func decodeBody(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		var (
			r       io.Reader
			release func()
		)
		switch enc := strings.ToLower(strings.TrimSpace(encodings[i])); enc {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			zr := gzipReaders.Get().(*gzip.Reader)
			if err := zr.Reset(resp.Body); err != nil {
				gzipReaders.Put(zr)
				return fmt.Errorf("gzip: %w", err)
			}
			r = zr
			release = func() {
				_ = zr.Reset(emptyReader)
				gzipReaders.Put(zr)
			}
		case "br":
			br := brReaders.Get().(*brotli.Reader)
			if err := br.Reset(resp.Body); err != nil {
				brReaders.Put(br)
				return fmt.Errorf("brotli: %w", err)
			}
			r = br
			release = func() {
				_ = br.Reset(emptyReader)
				brReaders.Put(br)
			}
		case "deflate":
			dr, err := deflateReader(resp.Body)
			if err != nil {
				return fmt.Errorf("deflate: %w", err)
			}
			r = dr
			release = func() { _ = dr.Close() }
		default:
			return fmt.Errorf("unsupported Content-Encoding %q", enc)
		}
		resp.Body = &decodedBody{Reader: r, raw: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// deflateReader accepts both zlib-wrapped and raw deflate, which servers mix up.
func deflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	// A zlib header has CM=8 and a check value divisible by 31.
	if len(head) == 2 && head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}
