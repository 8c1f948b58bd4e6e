package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned by DecodeBody for codings it cannot undo.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// MaxDecodedBytes caps the output of DecodeBody.
const MaxDecodedBytes = 64 << 20

// DecodeBody undoes the Content-Encoding of a captured body. Codings listed
// in the header are removed last-applied first. Identity and an empty header
// return body unchanged.
func DecodeBody(body []byte, contentEncoding string) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			body, err = decodeWith(body, func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) })
		case "deflate":
			body, err = inflate(body)
		case "zstd":
			body, err = decodeWith(body, func(r io.Reader) (io.ReadCloser, error) {
				d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
				if err != nil {
					return nil, err
				}
				return d.IOReadCloser(), nil
			})
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, coding)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", coding, err)
		}
	}
	return body, nil
}

// inflate handles "deflate", which is zlib-wrapped per RFC 9110 but sent raw by some servers.
func inflate(body []byte) ([]byte, error) {
	out, err := decodeWith(body, func(r io.Reader) (io.ReadCloser, error) { return zlib.NewReader(r) })
	if err == nil {
		return out, nil
	}
	return decodeWith(body, func(r io.Reader) (io.ReadCloser, error) { return flate.NewReader(r), nil })
}

func decodeWith(body []byte, open func(io.Reader) (io.ReadCloser, error)) ([]byte, error) {
	rc, err := open(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	out, err := io.ReadAll(io.LimitReader(rc, MaxDecodedBytes+1))
	if err != nil {
		return nil, err
	} else if len(out) > MaxDecodedBytes {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", MaxDecodedBytes)
	}
	return out, nil
}
