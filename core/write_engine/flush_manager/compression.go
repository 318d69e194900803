package flushmanager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// CompressionType selects how a page image is encoded at rest.
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionLZ4    CompressionType = 1
	CompressionSnappy CompressionType = 2
)

// Encoded page layout:
// [0]:    compression type actually used
// [1-4]:  CRC32 of the uncompressed page
// [5-8]:  uncompressed size
// [9+]:   payload
const (
	compressedHeaderSize  = 9
	minCompressionSavings = 64 // Below this many saved bytes the page is stored raw
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ParseCompressionType maps a config string ("none", "lz4", "snappy") to a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return CompressionNone, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// EncodePage compresses a page image. If compression does not pay off the
// page is stored uncompressed; the header records which codec was used.
func EncodePage(data []byte, ct CompressionType) ([]byte, error) {
	var payload []byte
	switch ct {
	case CompressionNone:
		payload = data
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if n == 0 {
			// lz4 reports incompressible input with n == 0.
			ct, payload = CompressionNone, data
		} else {
			payload = buf[:n]
		}
	case CompressionSnappy:
		payload = snappy.Encode(nil, data)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, ct)
	}
	if ct != CompressionNone && len(data)-len(payload) < minCompressionSavings {
		ct, payload = CompressionNone, data
	}

	out := make([]byte, compressedHeaderSize+len(payload))
	out[0] = byte(ct)
	binary.LittleEndian.PutUint32(out[1:5], crc32.Checksum(data, crcTable))
	binary.LittleEndian.PutUint32(out[5:9], uint32(len(data)))
	copy(out[compressedHeaderSize:], payload)
	return out, nil
}

// DecodePage restores an encoded page image into dst, which must be exactly
// the uncompressed size, and verifies its checksum.
func DecodePage(encoded []byte, dst []byte) error {
	if len(encoded) < compressedHeaderSize {
		return fmt.Errorf("%w: encoded page too short (%d bytes)", ErrInvalidPageData, len(encoded))
	}
	ct := CompressionType(encoded[0])
	checksum := binary.LittleEndian.Uint32(encoded[1:5])
	size := int(binary.LittleEndian.Uint32(encoded[5:9]))
	payload := encoded[compressedHeaderSize:]
	if size != len(dst) {
		return fmt.Errorf("%w: encoded page size %d != buffer size %d", ErrInvalidPageData, size, len(dst))
	}

	switch ct {
	case CompressionNone:
		if len(payload) != size {
			return fmt.Errorf("%w: raw payload size %d != %d", ErrInvalidPageData, len(payload), size)
		}
		copy(dst, payload)
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return fmt.Errorf("lz4 decompression failed: %w", err)
		}
		if n != size {
			return fmt.Errorf("%w: lz4 decompressed %d bytes, expected %d", ErrInvalidPageData, n, size)
		}
	case CompressionSnappy:
		n, err := snappy.DecodedLen(payload)
		if err != nil {
			return fmt.Errorf("snappy decompression failed: %w", err)
		}
		if n != size {
			return fmt.Errorf("%w: snappy decoded length %d, expected %d", ErrInvalidPageData, n, size)
		}
		if _, err := snappy.Decode(dst, payload); err != nil {
			return fmt.Errorf("snappy decompression failed: %w", err)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownCodec, ct)
	}

	if got := crc32.Checksum(dst, crcTable); got != checksum {
		return fmt.Errorf("%w: got %08x, expected %08x", ErrChecksumMismatch, got, checksum)
	}
	return nil
}
