package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/obsidianstack/logship/agent/internal/event"
)

// Compression selects how group blobs are compressed on disk. The numeric
// values are written into every blob and must not change.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// blobMagic is the first byte of every blob written by this package.
const blobMagic = 0xB5

// maxBlobBody bounds the uncompressed size a blob header may claim, so a
// corrupt header cannot trigger a huge allocation.
const maxBlobBody = 1 << 30

// maxExpansion is the largest ratio an LZ4 block can expand by. LZ4 headers
// claiming more are rejected before allocating, and zstd preallocation is
// capped by it.
const maxExpansion = 255

var errIncompressible = errors.New("data is incompressible")

// String returns the configuration name of c.
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

// ParseCompression parses a compression name. The empty string means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("store: unknown compression %q", name)
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: cbor encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 27,
	}.DecMode()
	if err != nil {
		panic("store: cbor decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlobBody))
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeEvent and decodeEvent are used for single-event values (BadgerStore).
func encodeEvent(e event.Event) ([]byte, error) {
	return encMode.Marshal(e)
}

func decodeEvent(data []byte) (event.Event, error) {
	var e event.Event
	if err := decMode.Unmarshal(data, &e); err != nil {
		return event.Event{}, err
	}
	if err := e.Validate(); err != nil {
		return event.Event{}, err
	}
	return e, nil
}

// encodeSet serialises s into a blob. When compression does not shrink the
// body the blob is stored uncompressed.
func encodeSet(s event.Set, c Compression) ([]byte, error) {
	body, err := encMode.Marshal(s.Sorted())
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}

	packed, err := compress(body, c)
	if errors.Is(err, errIncompressible) {
		packed, c = body, CompressionNone
	} else if err != nil {
		return nil, err
	}

	out := make([]byte, 2, 2+binary.MaxVarintLen64+len(packed))
	out[0] = blobMagic
	out[1] = byte(c)
	out = binary.AppendUvarint(out, uint64(len(body)))
	return append(out, packed...), nil
}

// decodeSet parses a blob written by encodeSet. Events that do not belong
// to group or whose ID does not match their contents make the blob invalid.
func decodeSet(blob []byte, group string) (event.Set, error) {
	if len(blob) < 3 {
		return nil, fmt.Errorf("blob too short (%d bytes)", len(blob))
	}
	if blob[0] != blobMagic {
		return nil, fmt.Errorf("bad magic byte 0x%02x", blob[0])
	}
	c := Compression(blob[1])
	size, n := binary.Uvarint(blob[2:])
	if n <= 0 {
		return nil, errors.New("bad length header")
	}
	if size > maxBlobBody {
		return nil, fmt.Errorf("declared body size %d exceeds limit", size)
	}

	body, err := decompress(blob[2+n:], c, int(size))
	if err != nil {
		return nil, err
	}

	var events []event.Event
	if err := decMode.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("cbor decode: %w", err)
	}

	s := make(event.Set, len(events))
	for i, e := range events {
		if e.Group != group {
			return nil, fmt.Errorf("event %d belongs to group %q", i, e.Group)
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		s[e.ID] = e
	}
	return s, nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return dst[:written], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}

func decompress(data []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("body is %d bytes, header says %d", len(data), size)
		}
		return data, nil
	case CompressionLZ4:
		if size > len(data)*maxExpansion {
			return nil, fmt.Errorf("lz4 decompress: header claims %d bytes from a %d byte block", size, len(data))
		}
		dst := make([]byte, size)
		read, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, min(size, len(data)*maxExpansion)))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}
