package tlsclient

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/Avinier/moff-tarkin/internal/fetch"
)

// decodeBody undoes Content-Encoding and reads the result. Bodies over limit
// fail with fetch.ErrBodyTooLarge.
func decodeBody(encoding string, body io.Reader, limit int64) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		r = body
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		// Servers send both zlib-wrapped and raw deflate under this name.
		br := bufio.NewReader(body)
		head, err := br.Peek(2)
		if err == nil && isZlibHeader(head) {
			zr, zerr := zlib.NewReader(br)
			if zerr != nil {
				return nil, fmt.Errorf("deflate body: %w", zerr)
			}
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(br)
			defer fr.Close()
			r = fr
		}
	case "br":
		r = brotli.NewReader(body)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", fetch.ErrBodyTooLarge, limit)
	}
	return out, nil
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}
