package inspector

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"interceptor/internal/domain"
)

// DefaultDecodeLimit は展開後ボディの上限
const DefaultDecodeLimit = 8 << 20

var errDecodedTooLarge = errors.New("decoded body too large")

// DecodeBody はContent-Encodingに従ってボディを展開する.
// 複数のエンコーディングは適用の逆順に展開する.
func DecodeBody(headers domain.Headers, body []byte, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultDecodeLimit
	}

	var encodings []string
	for _, v := range headers.Values("Content-Encoding") {
		for _, enc := range strings.Split(v, ",") {
			enc = strings.ToLower(strings.TrimSpace(enc))
			if enc != "" && enc != "identity" {
				encodings = append(encodings, enc)
			}
		}
	}

	out := body
	for i := len(encodings) - 1; i >= 0; i-- {
		var err error
		out, err = decodeOne(out, encodings[i], limit)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", encodings[i], err)
		}
	}
	return out, nil
}

func decodeOne(raw []byte, encoding string, limit int) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case "deflate":
		// zlibラッパー付きが標準だが、生のdeflateを送るサーバーもある
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(raw))
			defer fr.Close()
			r = fr
		} else {
			defer zr.Close()
			r = zr
		}
	case "br", "brotli":
		r = brotli.NewReader(bytes.NewReader(raw))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported content-encoding: %s", encoding)
	}

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, errDecodedTooLarge
	}
	return out, nil
}

// decodedBody はインスペクタ向けの展開済みボディ. 展開できなければ生のボディを返す.
func decodedBody(headers domain.Headers, body []byte) []byte {
	out, err := DecodeBody(headers, body, DefaultDecodeLimit)
	if err != nil {
		return body
	}
	return out
}
