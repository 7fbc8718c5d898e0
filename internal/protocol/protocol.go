package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	apperrors "github.com/skypro1111/kiosk-audio-service/internal/errors"
)

// Protocol constants
const (
	// Frame types
	FrameTypeHello = 0x01
	FrameTypeAudio = 0x02
	FrameTypeBye   = 0x03

	// Frame structure sizes
	HeaderSize       = 8  // 1 + 1 + 2 + 4 bytes
	HelloPayloadSize = 84 // 64 + 16 + 4 bytes
	MaxPayloadSize   = 0xFFFF

	// String field sizes in hello payload
	ClientIDSize  = 64
	CodecSize     = 16
	TimestampSize = 4

	// CodecOggOpus is the only codec the ingest pipeline decodes.
	CodecOggOpus = "ogg/opus"
)

// Header represents the 8-byte frame header
// Layout: [FrameType:1][Flags:1][Length:2][Sequence:4]
type Header struct {
	FrameType uint8  // 0x01=Hello, 0x02=Audio, 0x03=Bye
	Flags     uint8  // reserved, must be zero
	Length    uint16 // payload length, header excluded
	Sequence  uint32 // increases by one per frame, starting at the HELLO
}

// HelloPayload represents the 84-byte HELLO payload
// Layout: [ClientID:64][Codec:16][Timestamp:4]
type HelloPayload struct {
	ClientID  [ClientIDSize]byte // Null-terminated string (64 bytes)
	Codec     [CodecSize]byte    // Null-terminated string (16 bytes)
	Timestamp uint32             // Unix timestamp (4 bytes)
}

// Frame is a parsed frame. Payload holds the raw payload bytes; Hello is
// set for HELLO frames only.
type Frame struct {
	Header  *Header
	Hello   *HelloPayload
	Payload []byte
}

// ParseHeader parses the 8-byte frame header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		FrameType: data[0],
		Flags:     data[1],
		Length:    binary.BigEndian.Uint16(data[2:4]),
		Sequence:  binary.BigEndian.Uint32(data[4:8]),
	}

	return header, nil
}

// PutHeader writes h into the first HeaderSize bytes of buf.
func PutHeader(buf []byte, h *Header) {
	buf[0] = h.FrameType
	buf[1] = h.Flags
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint32(buf[4:8], h.Sequence)
}

// ParseHelloPayload parses the 84-byte HELLO payload
func ParseHelloPayload(data []byte) (*HelloPayload, error) {
	if len(data) < HelloPayloadSize {
		return nil, fmt.Errorf("hello payload too short: expected %d bytes, got %d",
			HelloPayloadSize, len(data))
	}

	payload := &HelloPayload{}

	// Copy fixed-size byte arrays
	copy(payload.ClientID[:], data[0:ClientIDSize])
	copy(payload.Codec[:], data[ClientIDSize:ClientIDSize+CodecSize])

	// Parse timestamp (last 4 bytes)
	timestampOffset := ClientIDSize + CodecSize
	payload.Timestamp = binary.BigEndian.Uint32(data[timestampOffset : timestampOffset+TimestampSize])

	return payload, nil
}

// NewHelloPayload builds a HELLO payload. Strings longer than their field
// are rejected rather than truncated.
func NewHelloPayload(clientID, codec string, timestamp uint32) (*HelloPayload, error) {
	// Leave room for the null terminator.
	if len(clientID) >= ClientIDSize {
		return nil, fmt.Errorf("client id too long: max %d bytes, got %d", ClientIDSize-1, len(clientID))
	}
	if len(codec) >= CodecSize {
		return nil, fmt.Errorf("codec too long: max %d bytes, got %d", CodecSize-1, len(codec))
	}

	payload := &HelloPayload{Timestamp: timestamp}
	copy(payload.ClientID[:], clientID)
	copy(payload.Codec[:], codec)
	return payload, nil
}

// Bytes encodes the payload.
func (p *HelloPayload) Bytes() []byte {
	buf := make([]byte, HelloPayloadSize)
	copy(buf[0:], p.ClientID[:])
	copy(buf[ClientIDSize:], p.Codec[:])
	binary.BigEndian.PutUint32(buf[ClientIDSize+CodecSize:], p.Timestamp)
	return buf
}

// ParseFrame parses a complete frame (header + payload)
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Validate frame length matches actual data
	if int(header.Length) != len(data)-HeaderSize {
		return nil, fmt.Errorf("frame length mismatch: header says %d payload bytes, got %d",
			header.Length, len(data)-HeaderSize)
	}

	return newFrame(header, data[HeaderSize:])
}

// ReadFrame reads one frame from r. It returns io.EOF only when r ends
// cleanly between frames.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated header: %w", err)
		}
		return nil, err
	}

	header, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("truncated %s payload: %w", frameTypeName(header.FrameType), err)
	}

	return newFrame(header, payload)
}

func newFrame(header *Header, payload []byte) (*Frame, error) {
	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	frame := &Frame{Header: header, Payload: payload}
	if header.FrameType == FrameTypeHello {
		hello, err := ParseHelloPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to parse hello payload: %w", err)
		}
		frame.Hello = hello
	}

	return frame, nil
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, frameType uint8, sequence uint32, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("payload too large: max %d bytes, got %d", MaxPayloadSize, len(payload))
	}

	header := &Header{
		FrameType: frameType,
		Length:    uint16(len(payload)),
		Sequence:  sequence,
	}
	if err := ValidateHeader(header); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}

	buf := make([]byte, HeaderSize+len(payload))
	PutHeader(buf, header)
	copy(buf[HeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// ValidateHeader validates the frame header fields
func ValidateHeader(header *Header) error {
	if !IsValidFrameType(header.FrameType) {
		return fmt.Errorf("invalid frame type: 0x%02x", header.FrameType)
	}

	if header.Flags != 0 {
		return fmt.Errorf("reserved flags set: 0x%02x", header.Flags)
	}

	// Validate expected payload sizes
	switch header.FrameType {
	case FrameTypeHello:
		if header.Length != HelloPayloadSize {
			return fmt.Errorf("hello frame payload size mismatch: expected %d, got %d",
				HelloPayloadSize, header.Length)
		}
	case FrameTypeAudio:
		if header.Length == 0 {
			return fmt.Errorf("audio frame has no payload")
		}
	case FrameTypeBye:
		if header.Length != 0 {
			return fmt.Errorf("bye frame must have no payload, got %d bytes", header.Length)
		}
	}

	return nil
}

// IsValidFrameType checks if the frame type is valid
func IsValidFrameType(ftype uint8) bool {
	return ftype == FrameTypeHello || ftype == FrameTypeAudio || ftype == FrameTypeBye
}

// SequenceChecker enforces that frame sequence numbers increase by one.
// The first frame sets the starting point. Wrap-around from the maximum
// uint32 to zero is allowed.
type SequenceChecker struct {
	next    uint32
	started bool
}

// Check validates seq against the expected next value.
func (c *SequenceChecker) Check(seq uint32) error {
	if c.started && seq != c.next {
		return apperrors.New(apperrors.CodeProtocolViolation, "sequence gap").
			WithMetadata("expected", c.next).
			WithMetadata("got", seq)
	}
	c.started = true
	c.next = seq + 1
	return nil
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	// Find null terminator
	nullPos := len(buf)
	for i, b := range buf {
		if b == 0 {
			nullPos = i
			break
		}
	}
	return string(buf[:nullPos])
}

// GetClientID extracts the client ID as a string
func (p *HelloPayload) GetClientID() string {
	return ExtractString(p.ClientID[:])
}

// GetCodec extracts the codec as a string
func (p *HelloPayload) GetCodec() string {
	return ExtractString(p.Codec[:])
}

func frameTypeName(t uint8) string {
	switch t {
	case FrameTypeHello:
		return "Hello"
	case FrameTypeAudio:
		return "Audio"
	case FrameTypeBye:
		return "Bye"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", t)
	}
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	return fmt.Sprintf("Header{Type:%s, Flags:0x%02x, Len:%d, Seq:%d}",
		frameTypeName(h.FrameType), h.Flags, h.Length, h.Sequence)
}

// String returns a human-readable representation of the hello payload
func (p *HelloPayload) String() string {
	return fmt.Sprintf("HelloPayload{ClientID:%q, Codec:%q, Timestamp:%d}",
		p.GetClientID(), p.GetCodec(), p.Timestamp)
}
