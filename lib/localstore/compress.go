// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the at-rest encoding of a committed block.
// The tag is persisted in the block's sidecar metadata; these values
// are format constants.
type Compression uint8

const (
	// CompressionNone stores block bytes verbatim.
	CompressionNone Compression = 0

	// CompressionLZ4 stores LZ4 block-compressed bytes. Fast default
	// for mixed binary content.
	CompressionLZ4 Compression = 1

	// CompressionZstd stores zstd-compressed bytes at the default
	// level. Better ratios for text-like content.
	CompressionZstd Compression = 2
)

// String returns the tag's configuration name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a configuration name into a tag.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// errIncompressible signals that compressed output would not be
// smaller than the input; the caller stores the block raw instead.
var errIncompressible = errors.New("localstore: data is incompressible")

// zstdEncoder and zstdDecoder are shared across commits; both are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("localstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("localstore: zstd decoder initialization failed: " + err.Error())
	}
}

// compress encodes data with the given tag, or returns
// errIncompressible when raw storage is the better choice.
func compress(data []byte, tag Compression) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
}

// decompress decodes stored bytes back to exactly uncompressedSize
// bytes.
func decompress(stored []byte, tag Compression, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(stored) != uncompressedSize {
			return nil, fmt.Errorf("raw block: size %d does not match expected %d",
				len(stored), uncompressedSize)
		}
		return stored, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(stored, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case CompressionZstd:
		destination, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(destination) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d",
				len(destination), uncompressedSize)
		}
		return destination, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
}
