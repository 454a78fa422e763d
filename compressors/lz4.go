package compressors

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/INLOpen/discover/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// maxLZ4BodySize bounds how far Decompress grows its output buffer.
const maxLZ4BodySize = 64 * 1024 * 1024

// LZ4Compressor encodes bodies as a single lz4 block.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(data) > 0 {
		return nil, fmt.Errorf("lz4 compression resulted in zero bytes for non-empty input")
	}
	return dst[:n], nil
}

// Decompress grows its destination until the block fits, since the block
// format does not record the original size.
func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	if len(data) == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	dstSize := len(data) * 3
	if dstSize < 1024 {
		dstSize = 1024
	}
	dst := make([]byte, dstSize)
	for {
		n, err := lz4.UncompressBlock(data, dst)
		if err == nil {
			return io.NopCloser(bytes.NewReader(dst[:n])), nil
		}
		if !errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if len(dst) > maxLZ4BodySize {
			return nil, fmt.Errorf("lz4 body larger than %d bytes", maxLZ4BodySize)
		}
		dst = make([]byte, len(dst)*2)
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	compressed, err := c.Compress(src)
	if err != nil {
		return err
	}
	dst.Reset()
	_, err = dst.Write(compressed)
	return err
}
