package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// FrameVersion is the current framing version. TCP has no message
	// boundaries, so every logical message is length-prefixed.
	FrameVersion = 1

	// CompressionThreshold is the minimum payload size to consider
	// compressing (512 bytes)
	CompressionThreshold = 512
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: LZ4 compression
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrInvalidEncoding      = errors.New("payload is not valid UTF-8")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is one length-prefixed wire unit.
// Format: [Length (4 bytes)][Version (1 byte)][Flags (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8
	Flags   uint8
	Payload []byte
}

// Encode converts text to its wire byte representation.
func Encode(text string) []byte {
	return []byte(text)
}

// Decode converts wire bytes back to text. It fails on byte sequences
// that are not valid UTF-8, so Decode(Encode(x)) == x always holds.
func Decode(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", ErrInvalidEncoding
	}
	return string(data), nil
}

// CompressPayload compresses data with LZ4, prepending the uncompressed
// size. Returns the original data when compression does not save space.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	maxCompressedSize := lz4.CompressBlockBound(len(data))
	compressed := make([]byte, 4+maxCompressedSize)
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		return data, false
	}

	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	uncompressedSize := binary.BigEndian.Uint32(data[:4])
	if uncompressedSize > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	decompressed := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data[4:], decompressed)
	if err != nil || n != int(uncompressedSize) {
		return nil, ErrDecompressionFailed
	}
	return decompressed, nil
}

// EncodeFrame writes a frame to w, compressing payloads larger than
// CompressionThreshold when that saves space.
func EncodeFrame(w io.Writer, f *Frame) error {
	payload := f.Payload
	flags := f.Flags

	if flags&FlagCompressed == 0 && len(payload) >= CompressionThreshold {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	// Length covers version + flags + payload
	length := uint32(2 + len(payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [6]byte
	binary.BigEndian.PutUint32(header[:4], length)
	header[4] = f.Version
	header[5] = flags
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads one frame from r.
func DecodeFrame(r io.Reader) (*Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < 2 {
		return nil, ErrInvalidFrameLength
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	version := body[0]
	flags := body[1]
	payload := body[2:]

	if flags&FlagCompressed != 0 && len(payload) > 0 {
		decompressed, err := DecompressPayload(payload)
		if err != nil {
			return nil, err
		}
		payload = decompressed
		flags &^= FlagCompressed
	}

	return &Frame{
		Version: version,
		Flags:   flags,
		Payload: payload,
	}, nil
}

// WriteText frames and writes one text message.
func WriteText(w io.Writer, text string) error {
	return EncodeFrame(w, &Frame{
		Version: FrameVersion,
		Payload: Encode(text),
	})
}

// ReadText reads one frame and decodes its payload as text.
func ReadText(r io.Reader) (string, error) {
	frame, err := DecodeFrame(r)
	if err != nil {
		return "", err
	}
	return Decode(frame.Payload)
}

// EncodeText frames a text message into a byte slice.
func EncodeText(text string) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WriteText(buf, text); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
