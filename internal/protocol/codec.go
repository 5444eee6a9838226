package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

const (
	// MessageEntityList tags a snapshot frame. It is ID_USER_PACKET_ENUM+1 in
	// RakNet numbering so frames interoperate with RakNet peers.
	MessageEntityList byte = 135

	// HeaderSize covers the tag byte and the little-endian byte count.
	HeaderSize = 1 + 4

	// RecordSize is the serialised size of one Entity: id, position,
	// velocity and the teleported flag, in that order with no padding.
	RecordSize = 4 + 8 + 8 + 1
)

var (
	// ErrEmptyMessage is returned when a frame carries no bytes at all.
	ErrEmptyMessage = errors.New("protocol: empty message")
	// ErrUnexpectedTag is returned when the leading byte is not MessageEntityList.
	ErrUnexpectedTag = errors.New("protocol: unexpected message tag")
	// ErrTruncatedHeader is returned when the byte count cannot be read.
	ErrTruncatedHeader = errors.New("protocol: truncated header")
	// ErrTruncatedPayload is returned when fewer bytes follow than the header declares.
	ErrTruncatedPayload = errors.New("protocol: truncated payload")
	// ErrMisalignedPayload is returned when the byte count is not a whole number of records.
	ErrMisalignedPayload = errors.New("protocol: payload is not a multiple of the record size")
)

// PeekTag reports the message identifier without decoding the frame.
func PeekTag(frame []byte) (byte, bool) {
	if len(frame) == 0 {
		return 0, false
	}
	return frame[0], true
}

// EncodedSize returns the frame length produced for count entities.
func EncodedSize(count int) int {
	return HeaderSize + count*RecordSize
}

// Encode frames the entities as an entity list message.
func Encode(entities []Entity) []byte {
	return AppendEncode(make([]byte, 0, EncodedSize(len(entities))), entities)
}

// AppendEncode appends the framed entity list to dst and returns the extended slice.
func AppendEncode(dst []byte, entities []Entity) []byte {
	//1.- Write the tag and the payload byte count ahead of the records.
	dst = append(dst, MessageEntityList)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(entities)*RecordSize))
	//2.- Emit each record field in declaration order.
	for i := range entities {
		e := &entities[i]
		dst = binary.LittleEndian.AppendUint32(dst, e.ID)
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(e.Position[0]))
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(e.Position[1]))
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(e.Velocity[0]))
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(e.Velocity[1]))
		if e.Teleported {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	}
	return dst
}

// Decode parses an entity list frame. Malformed frames are rejected rather
// than partially decoded; bytes following the declared payload are ignored.
func Decode(frame []byte) ([]Entity, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyMessage
	}
	if frame[0] != MessageEntityList {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedTag, frame[0])
	}
	if len(frame) < HeaderSize {
		return nil, ErrTruncatedHeader
	}
	byteCount := binary.LittleEndian.Uint32(frame[1:HeaderSize])
	if byteCount%RecordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisalignedPayload, byteCount)
	}
	payload := frame[HeaderSize:]
	if uint64(len(payload)) < uint64(byteCount) {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrTruncatedPayload, byteCount, len(payload))
	}

	count := int(byteCount / RecordSize)
	entities := make([]Entity, count)
	for i := 0; i < count; i++ {
		record := payload[i*RecordSize : (i+1)*RecordSize]
		entities[i] = Entity{
			ID: binary.LittleEndian.Uint32(record[0:4]),
			Position: mgl32.Vec2{
				math.Float32frombits(binary.LittleEndian.Uint32(record[4:8])),
				math.Float32frombits(binary.LittleEndian.Uint32(record[8:12])),
			},
			Velocity: mgl32.Vec2{
				math.Float32frombits(binary.LittleEndian.Uint32(record[12:16])),
				math.Float32frombits(binary.LittleEndian.Uint32(record[16:20])),
			},
			Teleported: record[20] != 0,
		}
	}
	return entities, nil
}
