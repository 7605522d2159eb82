package nse

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

var gzipMagic = []byte{0x1f, 0x8b}

// decodeBody decodes a body the transport left encoded. resty already
// unwraps gzip itself, so gzip is only decoded when the magic bytes are
// still present. Unknown encodings pass through untouched.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "" || len(body) == 0 {
		return body, nil
	}

	var reader io.ReadCloser
	var err error

	switch encoding {
	case "br":
		reader = io.NopCloser(brotli.NewReader(bytes.NewReader(body)))
	case "gzip":
		if !bytes.HasPrefix(body, gzipMagic) {
			return body, nil
		}
		reader, err = gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
	case "deflate":
		reader, err = zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			// already decoded upstream or raw deflate we do not handle
			return body, nil
		}
	default:
		return body, nil
	}
	defer reader.Close()

	return io.ReadAll(reader)
}
