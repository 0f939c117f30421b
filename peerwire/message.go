package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Extended      MessageID = 20
)

const (
	// BlockSize is the request granularity.
	BlockSize = 16 * 1024

	// MaxMessageLength bounds a single frame; a piece message carries one
	// block plus its 8 byte header.
	MaxMessageLength = 1 << 20
)

// Message is one frame: | length | id | payload |. A nil *Message is a
// keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

func NewCancel(index, begin, length int) *Message {
	m := NewRequest(index, begin, length)
	m.ID = Cancel
	return m
}

func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

func NewPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

func NewExtended(extID byte, payload []byte) *Message {
	buf := make([]byte, 1+len(payload))
	buf[0] = extID
	copy(buf[1:], payload)
	return &Message{ID: Extended, Payload: buf}
}

// ParseHave extracts the piece index of a HAVE message.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != Have {
		return 0, fmt.Errorf("expected ID %d (HAVE), got ID %d", Have, msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("expected payload of length 4, got length %d", len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ParseRequest extracts index, begin and length of a REQUEST or CANCEL.
func ParseRequest(msg *Message) (index, begin, length int, err error) {
	if msg.ID != Request && msg.ID != Cancel {
		return 0, 0, 0, fmt.Errorf("expected REQUEST or CANCEL, got ID %d", msg.ID)
	}
	if len(msg.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("expected payload of length 12, got length %d", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece copies the block of a PIECE message for piece index into buf
// and returns begin and the block length.
func ParsePiece(index int, buf []byte, msg *Message) (int, int, error) {
	if msg.ID != Piece {
		return 0, 0, fmt.Errorf("expected ID %d (PIECE), got ID %d", Piece, msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, 0, fmt.Errorf("payload too short: %d < 8", len(msg.Payload))
	}
	parsed := int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	if parsed != index {
		return 0, 0, fmt.Errorf("expected index %d, got index %d", index, parsed)
	}
	begin := int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	if begin >= len(buf) {
		return 0, 0, fmt.Errorf("begin offset is larger than piece: %d >= %d", begin, len(buf))
	}
	block := msg.Payload[8:]
	if begin+len(block) > len(buf) {
		return 0, 0, fmt.Errorf("block length [%d] is too long for offset %d with length %d", len(block), begin, len(buf))
	}
	copy(buf[begin:], block)
	return begin, len(block), nil
}

// PieceIndex peeks at the index of a PIECE message.
func PieceIndex(msg *Message) int {
	if msg == nil || msg.ID != Piece || len(msg.Payload) < 4 {
		return -1
	}
	return int(binary.BigEndian.Uint32(msg.Payload[0:4]))
}

func (msg *Message) Serialize() []byte {
	if msg == nil {
		return make([]byte, 4)
	}
	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// ReadMessage reads one frame. It returns (nil, nil) for a keep-alive.
func ReadMessage(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length == 0 {
		return nil, nil
	}
	if length > MaxMessageLength {
		return nil, fmt.Errorf("message of %d bytes exceeds limit of %d", length, MaxMessageLength)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(buf[0]), Payload: buf[1:]}, nil
}

func (msg *Message) name() string {
	if msg == nil {
		return "KeepAlive"
	}
	switch msg.ID {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Extended:
		return "Extended"
	default:
		return fmt.Sprintf("Unknown#%d", msg.ID)
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return msg.name()
	}
	return fmt.Sprintf("%s [%d]", msg.name(), len(msg.Payload))
}
