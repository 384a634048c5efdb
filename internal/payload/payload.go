// Package payload compresses message bodies for streams that promise
// Compressed. Every encoded body starts with one codec id byte so the
// receiver never needs to know which codec the sender picked.
package payload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type Codec byte

const (
	CodecNone Codec = iota
	CodecLZ4
	CodecZstd
	CodecSnappy
)

// DefaultCodec is used when a stream promises Compressed without naming one.
const DefaultCodec = CodecLZ4

var (
	ErrUnknownCodec = errors.New("payload: unknown codec")
	ErrTooLarge     = errors.New("payload: decoded body exceeds limit")
	ErrEmpty        = errors.New("payload: missing codec id")
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lz4":
		return CodecLZ4, nil
	case "none", "raw":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

// Encode returns the codec id followed by data compressed with c.
func Encode(c Codec, data []byte) ([]byte, error) {
	out := make([]byte, 1, 1+len(data)/2)
	out[0] = byte(c)
	switch c {
	case CodecNone:
		return append(out, data...), nil
	case CodecLZ4:
		buf := bytes.NewBuffer(out)
		w := lz4.NewWriter(buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("payload: lz4 encode: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("payload: lz4 encode: %w", err)
		}
		return buf.Bytes(), nil
	case CodecZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("payload: zstd init: %w", err)
		}
		return enc.EncodeAll(data, out), nil
	case CodecSnappy:
		return append(out, snappy.Encode(nil, data)...), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, byte(c))
	}
}

// Decode reverses Encode. limit bounds the decoded size; zero disables it.
func Decode(body []byte, limit int) ([]byte, Codec, error) {
	if len(body) == 0 {
		return nil, 0, ErrEmpty
	}
	c, src := Codec(body[0]), body[1:]
	var (
		out []byte
		err error
	)
	switch c {
	case CodecNone:
		out = append([]byte(nil), src...)
	case CodecLZ4:
		r := io.Reader(lz4.NewReader(bytes.NewReader(src)))
		if limit > 0 {
			r = io.LimitReader(r, int64(limit)+1)
		}
		if out, err = io.ReadAll(r); err != nil {
			return nil, c, fmt.Errorf("payload: lz4 decode: %w", err)
		}
	case CodecZstd:
		_, dec, initErr := zstdCodec()
		if initErr != nil {
			return nil, c, fmt.Errorf("payload: zstd init: %w", initErr)
		}
		if out, err = dec.DecodeAll(src, nil); err != nil {
			return nil, c, fmt.Errorf("payload: zstd decode: %w", err)
		}
	case CodecSnappy:
		n, lenErr := snappy.DecodedLen(src)
		if lenErr != nil {
			return nil, c, fmt.Errorf("payload: snappy decode: %w", lenErr)
		}
		if limit > 0 && n > limit {
			return nil, c, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, limit)
		}
		if out, err = snappy.Decode(nil, src); err != nil {
			return nil, c, fmt.Errorf("payload: snappy decode: %w", err)
		}
	default:
		return nil, c, fmt.Errorf("%w: %d", ErrUnknownCodec, byte(c))
	}
	if limit > 0 && len(out) > limit {
		return nil, c, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(out), limit)
	}
	return out, c, nil
}
