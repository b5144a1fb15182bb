package index

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	headerJSON byte = 'j'
	headerZstd byte = 'z'

	// DefaultCompressMinSize is the smallest encoded document that gets compressed.
	DefaultCompressMinSize = 1024
)

// codec frames stored documents with a one byte header and optionally
// compresses large ones with zstd.
type codec struct {
	compress bool
	minSize  int

	encoders sync.Pool
	decoders sync.Pool
}

func newCodec(compress bool, minSize int) *codec {
	if minSize <= 0 {
		minSize = DefaultCompressMinSize
	}
	return &codec{
		compress: compress,
		minSize:  minSize,
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				return dec
			},
		},
	}
}

func (c *codec) encode(data []byte) []byte {
	if !c.compress || len(data) < c.minSize {
		out := make([]byte, 0, len(data)+1)
		out = append(out, headerJSON)
		return append(out, data...)
	}
	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)
	return enc.EncodeAll(data, []byte{headerZstd})
}

func (c *codec) decode(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("decode document: empty value")
	}
	switch value[0] {
	case headerJSON:
		return value[1:], nil
	case headerZstd:
		dec := c.decoders.Get().(*zstd.Decoder)
		defer c.decoders.Put(dec)
		data, err := dec.DecodeAll(value[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress document: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("decode document: unknown header %q", value[0])
	}
}
