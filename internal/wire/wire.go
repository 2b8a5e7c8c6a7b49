// Package wire implements the framed binary chat protocol:
//
//	[u16 magic][u8 type][u16 data_len][payload...][u8 checksum]
//
// Integers are big-endian. The checksum is the XOR of every preceding
// byte in the frame. Requests (client to server) carry magic 0x5a5a,
// responses (server to client) 0xa5a5.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	MagicRequest  uint16 = 0x5a5a
	MagicResponse uint16 = 0xa5a5

	headerLen = 5
	// MaxDataLen caps a single payload. Larger frames are drained and
	// rejected with ErrPayloadTooLarge.
	MaxDataLen = 4096
)

// Type identifies a packet.
type Type uint8

const (
	TypeMessage           Type = 1
	TypeSetID             Type = 2
	TypeIDChange          Type = 3
	TypeCreateRoom        Type = 4
	TypeJoinRoom          Type = 5
	TypeLeaveRoom         Type = 6
	TypeListRooms         Type = 7
	TypeListUsers         Type = 8
	TypeKickUser          Type = 9
	TypeChangeRoomName    Type = 10
	TypeChangeRoomManager Type = 11
	TypeDeleteAccount     Type = 12
	TypeDeleteMessage     Type = 13
	TypeHelp              Type = 14
	TypeQuit              Type = 15
	TypeServerNotice      Type = 16
	TypeError             Type = 17
)

func (t Type) String() string {
	switch t {
	case TypeMessage:
		return "message"
	case TypeSetID:
		return "set_id"
	case TypeIDChange:
		return "id_change"
	case TypeCreateRoom:
		return "create_room"
	case TypeJoinRoom:
		return "join_room"
	case TypeLeaveRoom:
		return "leave_room"
	case TypeListRooms:
		return "list_rooms"
	case TypeListUsers:
		return "list_users"
	case TypeKickUser:
		return "kick_user"
	case TypeChangeRoomName:
		return "change_room_name"
	case TypeChangeRoomManager:
		return "change_room_manager"
	case TypeDeleteAccount:
		return "delete_account"
	case TypeDeleteMessage:
		return "delete_message"
	case TypeHelp:
		return "help"
	case TypeQuit:
		return "quit"
	case TypeServerNotice:
		return "server_notice"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

var (
	ErrBadMagic        = errors.New("wire: bad magic")
	ErrChecksum        = errors.New("wire: checksum mismatch")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// Packet is one decoded frame.
type Packet struct {
	Type Type
	Data []byte
}

// Conn provides framed packet reading and writing over an io.ReadWriter.
// Writes are serialized so broadcasts and direct responses never
// interleave inside a frame. Reads must stay on a single goroutine.
type Conn struct {
	rw io.ReadWriter
	r  *bufio.Reader

	writeMu    sync.Mutex
	readMagic  uint16
	writeMagic uint16
}

// NewServerConn returns a Conn for the server side: it expects request
// magic on reads and stamps response magic on writes.
func NewServerConn(rw io.ReadWriter) *Conn {
	return &Conn{
		rw:         rw,
		r:          bufio.NewReader(rw),
		readMagic:  MagicRequest,
		writeMagic: MagicResponse,
	}
}

// NewClientConn returns a Conn for the client side: response magic on
// reads, request magic on writes.
func NewClientConn(rw io.ReadWriter) *Conn {
	return &Conn{
		rw:         rw,
		r:          bufio.NewReader(rw),
		readMagic:  MagicResponse,
		writeMagic: MagicRequest,
	}
}

// ReadPacket reads exactly one frame.
//
// A frame with the wrong magic returns ErrBadMagic with the stream in an
// unusable state. An oversized data_len drains the advertised payload and
// checksum before returning ErrPayloadTooLarge. A checksum mismatch
// consumes the whole frame and returns ErrChecksum, leaving the stream
// positioned at the next frame.
func (c *Conn) ReadPacket() (Packet, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return Packet{}, err
	}

	magic := binary.BigEndian.Uint16(header[0:2])
	if magic != c.readMagic {
		return Packet{}, fmt.Errorf("%w: 0x%04x", ErrBadMagic, magic)
	}

	dataLen := int(binary.BigEndian.Uint16(header[3:5]))
	if dataLen > MaxDataLen {
		if _, err := io.CopyN(io.Discard, c.r, int64(dataLen)+1); err != nil {
			return Packet{}, fmt.Errorf("draining oversized frame: %w", err)
		}
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, dataLen)
	}

	body := make([]byte, dataLen+1)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return Packet{}, err
	}

	sum := xorSum(header[:])
	sum = xorSumFrom(sum, body[:dataLen])
	if sum != body[dataLen] {
		return Packet{}, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksum, body[dataLen], sum)
	}

	return Packet{Type: Type(header[2]), Data: body[:dataLen]}, nil
}

// WritePacket encodes and writes one frame.
func (c *Conn) WritePacket(t Type, data []byte) error {
	if len(data) > MaxDataLen {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	frame := encodeFrame(c.writeMagic, t, data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rw.Write(frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", t, err)
	}
	return nil
}

// WriteText is WritePacket with a string payload.
func (c *Conn) WriteText(t Type, text string) error {
	return c.WritePacket(t, []byte(text))
}

// Close closes the underlying stream when it is an io.Closer.
func (c *Conn) Close() error {
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func encodeFrame(magic uint16, t Type, data []byte) []byte {
	frame := make([]byte, headerLen+len(data)+1)
	binary.BigEndian.PutUint16(frame[0:2], magic)
	frame[2] = byte(t)
	binary.BigEndian.PutUint16(frame[3:5], uint16(len(data)))
	copy(frame[headerLen:], data)
	frame[headerLen+len(data)] = xorSum(frame[:headerLen+len(data)])
	return frame
}

func xorSum(b []byte) byte {
	return xorSumFrom(0, b)
}

func xorSumFrom(sum byte, b []byte) byte {
	for _, x := range b {
		sum ^= x
	}
	return sum
}
