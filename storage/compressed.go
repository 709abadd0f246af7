// storage/compressed.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	u "github.com/mmp/snapsafe/util"
	"github.com/ulikunitz/xz/lzma"
)

var ErrInvalidCompressor = errors.New("invalid compression algorithm")

///////////////////////////////////////////////////////////////////////////
// Compression

// Compression selects the byte transform applied to file contents before
// they are hashed and encrypted. It is chosen once per destination.
type Compression int

const (
	CompressNone Compression = iota
	CompressGzip
	CompressZlib
	CompressBrotli
	CompressZstd
	CompressLzma
)

var compressionNames = []string{"none", "gzip", "zlib", "brotli", "zstd", "lzma"}

// ParseCompression maps an algorithm name (case-insensitive) to a
// Compression. The empty string means no compression.
func ParseCompression(name string) (Compression, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return CompressNone, nil
	}
	for i, n := range compressionNames {
		if n == name {
			return Compression(i), nil
		}
	}
	return CompressNone, u.WrapError(u.KindInvalidCompressor, ErrInvalidCompressor, name)
}

func (c Compression) String() string {
	if c < 0 || int(c) >= len(compressionNames) {
		return fmt.Sprintf("compression(%d)", int(c))
	}
	return compressionNames[c]
}

// Compression levels: gzip/zlib use the default, the others a balanced
// setting.
func (c Compression) level() int {
	switch c {
	case CompressBrotli:
		return 7
	case CompressZstd:
		return 3
	case CompressLzma:
		return 7
	default:
		return 6
	}
}

// Reusing gzip writers gives a huge benefit thanks to much less GC.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, CompressGzip.level())
		return w
	},
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(CompressZstd.level())))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress returns data transformed by the algorithm. For a given
// algorithm the output is a deterministic function of the input, which
// the content-addressed store relies on.
func (c Compression) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch c {
	case CompressNone:
		return dupe(data), nil
	case CompressGzip:
		w := gzipWriterPool.Get().(*gzip.Writer)
		defer gzipWriterPool.Put(w)
		w.Reset(&buf)
		err = writeAndClose(w, data)
	case CompressZlib:
		var w *zlib.Writer
		if w, err = zlib.NewWriterLevel(&buf, c.level()); err == nil {
			err = writeAndClose(w, data)
		}
	case CompressBrotli:
		err = writeAndClose(brotli.NewWriterLevel(&buf, c.level()), data)
	case CompressZstd:
		enc, _, zerr := zstdCodecs()
		if zerr != nil {
			return nil, u.WrapError(u.KindInvalidCompressor, zerr, "zstd")
		}
		return enc.EncodeAll(data, nil), nil
	case CompressLzma:
		var w *lzma.Writer
		if w, err = lzma.NewWriter(&buf); err == nil {
			err = writeAndClose(w, data)
		}
	default:
		return nil, u.WrapError(u.KindInvalidCompressor, ErrInvalidCompressor, c.String())
	}

	if err != nil {
		return nil, u.WrapError(u.KindInvalidCompressor, err, c.String()+" compress")
	}
	return buf.Bytes(), nil
}

// Decompress inverts Compress.
func (c Compression) Decompress(data []byte) ([]byte, error) {
	var r io.Reader
	var err error

	switch c {
	case CompressNone:
		return dupe(data), nil
	case CompressGzip:
		var gzr *gzip.Reader
		if gzr, err = gzip.NewReader(bytes.NewReader(data)); err == nil {
			defer gzr.Close()
			r = gzr
		}
	case CompressZlib:
		var zr io.ReadCloser
		if zr, err = zlib.NewReader(bytes.NewReader(data)); err == nil {
			defer zr.Close()
			r = zr
		}
	case CompressBrotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case CompressZstd:
		_, dec, zerr := zstdCodecs()
		if zerr != nil {
			return nil, u.WrapError(u.KindInvalidCompressor, zerr, "zstd")
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, u.WrapError(u.KindInvalidCompressor, err, "zstd decompress")
		}
		return out, nil
	case CompressLzma:
		r, err = lzma.NewReader(bytes.NewReader(data))
	default:
		return nil, u.WrapError(u.KindInvalidCompressor, ErrInvalidCompressor, c.String())
	}

	var out []byte
	if err == nil {
		out, err = io.ReadAll(r)
	}
	if err != nil {
		return nil, u.WrapError(u.KindInvalidCompressor, err, c.String()+" decompress")
	}
	return out, nil
}

func writeAndClose(w io.WriteCloser, data []byte) error {
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
