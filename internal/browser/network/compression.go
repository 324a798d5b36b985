// internal/browser/network/compression.go
package network

import (
	"bytes"
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

// Reader pools. Sitemap crawls and intercepted responses decompress many
// small bodies, so reader reuse pays for itself.
var (
	gzipReaders = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaders = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
)

// emptyReader resets pooled readers without pinning the previous body.
var emptyReader = strings.NewReader("")

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	gz := gzipReaders.Get().(*gzip.Reader)
	if err := gz.Reset(r); err != nil {
		gzipReaders.Put(gz)
		return nil, err
	}
	return gz, nil
}

func putGzipReader(gz *gzip.Reader) {
	if gz == nil {
		return
	}
	_ = gz.Reset(emptyReader)
	gzipReaders.Put(gz)
}

func getBrotliReader(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaders.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaders.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotliReader(br *brotli.Reader) {
	if br == nil {
		return
	}
	_ = br.Reset(emptyReader)
	brotliReaders.Put(br)
}

// DecompressingTransport negotiates compressed responses and hands the
// caller an identity-encoded body. The std transport's transparent
// handling only covers gzip; this also covers brotli and both deflate
// variants.
type DecompressingTransport struct {
	Base http.RoundTripper
}

// NewDecompressingTransport wraps base, defaulting to
// http.DefaultTransport when base is nil.
func NewDecompressingTransport(base http.RoundTripper) *DecompressingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DecompressingTransport{Base: base}
}

func (dt *DecompressingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br, gzip, deflate, identity")
	}

	resp, err := dt.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("decompress response: %w", err)
	}
	return resp, nil
}

// encodingLayers lists Content-Encoding values in application order,
// splitting comma-joined header lines. "identity" and empty entries are
// dropped.
func encodingLayers(h http.Header) []string {
	var layers []string
	for _, v := range h.Values("Content-Encoding") {
		for _, enc := range strings.Split(v, ",") {
			enc = strings.ToLower(strings.TrimSpace(enc))
			if enc == "" || enc == "identity" {
				continue
			}
			layers = append(layers, enc)
		}
	}
	return layers
}

// canDecompress reports whether every encoding layer on the response is
// one DecompressResponse knows how to undo.
func canDecompress(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	layers := encodingLayers(resp.Header)
	if len(layers) == 0 {
		return false
	}
	for _, enc := range layers {
		switch enc {
		case "gzip", "deflate", "br":
		default:
			return false
		}
	}
	return true
}

// DecompressResponse unwraps the Content-Encoding layers on resp.Body in
// reverse application order and strips the encoding headers. On error
// the body may be partially consumed; the caller must close and discard
// the response.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	layers := encodingLayers(resp.Header)
	if len(layers) == 0 {
		return nil
	}

	for i := len(layers) - 1; i >= 0; i-- {
		var (
			reader  io.ReadCloser
			release func()
		)
		switch layers[i] {
		case "gzip":
			gz, err := getGzipReader(resp.Body)
			if err != nil {
				return fmt.Errorf("gzip: %w", err)
			}
			reader = gz
			release = func() { putGzipReader(gz) }
		case "deflate":
			fr, err := tryDeflate(resp.Body)
			if err != nil {
				return fmt.Errorf("deflate: %w", err)
			}
			reader = fr
		case "br":
			br, err := getBrotliReader(resp.Body)
			if err != nil {
				return fmt.Errorf("brotli: %w", err)
			}
			// brotli.Reader has no Close.
			reader = io.NopCloser(br)
			release = func() { putBrotliReader(br) }
		default:
			return fmt.Errorf("unsupported Content-Encoding %q", layers[i])
		}

		resp.Body = &layeredBody{
			ReadCloser: reader,
			underlying: resp.Body,
			release:    release,
		}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// layeredBody closes the decompressor, returns pooled readers, and then
// closes the wrapped body underneath it.
type layeredBody struct {
	io.ReadCloser
	underlying io.ReadCloser
	release    func()
}

func (b *layeredBody) Close() error {
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(b.ReadCloser.Close(), b.underlying.Close())
}

// rewindReader buffers what has been read so a failed decoder probe can
// retry from the start of the stream.
type rewindReader struct {
	r      io.Reader
	buf    *bytes.Buffer
	source io.Reader
}

func newRewindReader(r io.Reader) *rewindReader {
	buf := bytes.NewBuffer(make([]byte, 0, 128))
	return &rewindReader{r: io.TeeReader(r, buf), buf: buf, source: r}
}

func (rr *rewindReader) Read(p []byte) (int, error) { return rr.r.Read(p) }

func (rr *rewindReader) rewind() {
	rr.r = io.MultiReader(bytes.NewReader(rr.buf.Bytes()), rr.source)
}

// tryDeflate probes for a zlib wrapper first; servers disagree on
// whether "deflate" means an RFC 1950 or a raw RFC 1951 stream.
func tryDeflate(r io.Reader) (io.ReadCloser, error) {
	rr := newRewindReader(r)
	if zr, err := zlib.NewReader(rr); err == nil {
		return zr, nil
	}
	rr.rewind()
	return flate.NewReader(rr), nil
}
