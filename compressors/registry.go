package compressors

import (
	"fmt"

	"github.com/INLOpen/discover/core"
)

// ForType returns a compressor for t.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	}
	return nil, fmt.Errorf("unsupported compression type %d", t)
}

// ForName resolves a configuration or Content-Encoding name to a compressor.
func ForName(name string) (core.Compressor, error) {
	t, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return ForType(t)
}
