// Package codecs compresses and decompresses stored payloads. A Codec is a
// property of a database file: payloads flagged as compressed are only
// readable with the Codec which wrote them.
package codecs

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Codec names a payload compression format.
type Codec int

const (
	// NONE stores payloads as-is.
	NONE Codec = iota
	// DEFLATE is zlib-wrapped DEFLATE, the format of existing offline databases.
	DEFLATE
	GZIP
	SNAPPY
	ZSTANDARD
)

var codecNames = map[Codec]string{
	NONE:      "none",
	DEFLATE:   "deflate",
	GZIP:      "gzip",
	SNAPPY:    "snappy",
	ZSTANDARD: "zstandard",
}

func (c Codec) String() string {
	if s, ok := codecNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Codec(%d)", int(c))
}

// ParseCodec returns the Codec having the case-insensitive name.
func ParseCodec(name string) (Codec, error) {
	for c, s := range codecNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return NONE, fmt.Errorf("unknown codec %q", name)
}

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case NONE:
		return io.NopCloser(r), nil
	case DEFLATE:
		return zlib.NewReader(r)
	case GZIP:
		return gzip.NewReader(r)
	case SNAPPY:
		return io.NopCloser(snappy.NewReader(r)), nil
	case ZSTANDARD:
		return zstdNewReader(r)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case NONE:
		return nopWriteCloser{w}, nil
	case DEFLATE:
		return zlib.NewWriter(w), nil
	case GZIP:
		return gzip.NewWriter(w), nil
	case SNAPPY:
		return snappy.NewBufferedWriter(w), nil
	case ZSTANDARD:
		return zstdNewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// Compress returns |data| encoded with the Codec.
func Compress(codec Codec, data []byte) ([]byte, error) {
	var buf bytes.Buffer

	var w, err = NewCodecWriter(&buf, codec)
	if err != nil {
		return nil, err
	} else if _, err = w.Write(data); err != nil {
		return nil, err
	} else if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress returns the decoding of |data|, which was encoded with the Codec.
func Decompress(codec Codec, data []byte) ([]byte, error) {
	var r, err = NewCodecReader(bytes.NewReader(data), codec)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var (
	zstdNewReader = func(io.Reader) (io.ReadCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
	zstdNewWriter = func(io.Writer) (io.WriteCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
)
