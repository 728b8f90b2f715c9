// Package odid decodes ASTM F3411 Open Drone ID (Remote ID) messages as they
// are carried in Bluetooth service data under UUID 0xFFFA.
//
// Only the fields needed to track a drone and its operator are extracted.
// This is not a full F3411 implementation: authentication messages are
// ignored and no accuracy/timestamp fields are decoded.
package odid

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ServiceUUID is the 16-bit service UUID used by Remote ID broadcasts.
const ServiceUUID uint16 = 0xFFFA

// MessageSize is the fixed size of one message, header byte included.
const MessageSize = 25

// MaxPackMessages caps the number of entries read from a message pack.
const MaxPackMessages = 9

type MessageType uint8

const (
	TypeBasicID    MessageType = 0x0
	TypeLocation   MessageType = 0x1
	TypeAuth       MessageType = 0x2
	TypeSelfID     MessageType = 0x3
	TypeSystem     MessageType = 0x4
	TypeOperatorID MessageType = 0x5
	TypePack       MessageType = 0xF
)

func (t MessageType) String() string {
	switch t {
	case TypeBasicID:
		return "basic_id"
	case TypeLocation:
		return "location"
	case TypeAuth:
		return "auth"
	case TypeSelfID:
		return "self_id"
	case TypeSystem:
		return "system"
	case TypeOperatorID:
		return "operator_id"
	case TypePack:
		return "message_pack"
	default:
		return fmt.Sprintf("type_0x%X", uint8(t))
	}
}

// Minimum payload lengths (header byte excluded).
const (
	basicIDMinLen    = 20
	locationMinLen   = 18
	selfIDMinLen     = 23
	systemMinLen     = 18
	operatorIDMinLen = 20
	packMinLen       = 2
)

type BasicID struct {
	IDType uint8  `json:"id_type"`
	UAType uint8  `json:"ua_type"`
	Serial string `json:"serial"`
}

// Location is the Location/Vector message. Speeds are m/s, altitudes and
// height are meters, heading is degrees.
type Location struct {
	Status      uint8   `json:"status"`
	HeightType  uint8   `json:"height_type"`
	Heading     float64 `json:"heading"`
	Speed       float64 `json:"speed"`
	SpeedV      float64 `json:"speed_v"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	AltPressure float64 `json:"alt_pressure"`
	Alt         float64 `json:"alt"`
	Height      float64 `json:"height"`
}

type SelfID struct {
	DescriptionType uint8  `json:"description_type"`
	Description     string `json:"description"`
}

// System carries the operator position and the operating area.
type System struct {
	OperatorClass uint8   `json:"operator_class"`
	OperatorLat   float64 `json:"operator_lat"`
	OperatorLon   float64 `json:"operator_lon"`
	AreaCount     uint16  `json:"area_count"`
	AreaRadius    int     `json:"area_radius"`
	AreaCeiling   float64 `json:"area_ceiling"`
	AreaFloor     float64 `json:"area_floor"`
}

type OperatorID struct {
	OperatorIDType uint8  `json:"operator_id_type"`
	OperatorID     string `json:"operator_id"`
}

// Message is one decoded Remote ID message. Exactly one of the typed
// pointers is set, matching Type; a message pack sets Pack instead.
//
// Decoded messages are treated as immutable once returned.
type Message struct {
	Type            MessageType `json:"msg_type"`
	ProtocolVersion uint8       `json:"proto_version"`

	BasicID    *BasicID    `json:"basic_id,omitempty"`
	Location   *Location   `json:"location,omitempty"`
	SelfID     *SelfID     `json:"self_id,omitempty"`
	System     *System     `json:"system,omitempty"`
	OperatorID *OperatorID `json:"operator_id,omitempty"`

	PackCount int       `json:"pack_count,omitempty"`
	Pack      []Message `json:"sub_messages,omitempty"`
}

// Decode parses one service data payload. It returns false for empty input,
// unsupported message types, and payloads shorter than the minimum for their
// type. Callers should treat false as "nothing new", not as an error.
func Decode(b []byte) (Message, bool) {
	return decode(b, true)
}

func decode(b []byte, allowPack bool) (Message, bool) {
	if len(b) < 1 {
		return Message{}, false
	}
	msg := Message{
		Type:            MessageType(b[0] >> 4),
		ProtocolVersion: b[0] & 0x0F,
	}
	p := b[1:]

	switch msg.Type {
	case TypeBasicID:
		if len(p) < basicIDMinLen {
			return Message{}, false
		}
		msg.BasicID = &BasicID{
			IDType: p[0] >> 4,
			UAType: p[0] & 0x0F,
			Serial: asciiField(span(p, 1, 21)),
		}

	case TypeLocation:
		if len(p) < locationMinLen {
			return Message{}, false
		}
		msg.Location = &Location{
			Status:      p[0] >> 4,
			HeightType:  p[0] & 0x01,
			Heading:     float64(p[1]),
			Speed:       float64(p[2]) * 0.25,
			SpeedV:      float64(int8(p[3])) * 0.5,
			Lat:         latLon(p[4:8]),
			Lon:         latLon(p[8:12]),
			AltPressure: altitude(p[12:14]),
			Alt:         altitude(p[14:16]),
			Height:      altitude(p[16:18]),
		}

	case TypeSelfID:
		if len(p) < selfIDMinLen {
			return Message{}, false
		}
		msg.SelfID = &SelfID{
			DescriptionType: p[0],
			Description:     asciiField(span(p, 1, 24)),
		}

	case TypeSystem:
		if len(p) < systemMinLen {
			return Message{}, false
		}
		msg.System = &System{
			OperatorClass: p[0] & 0x03,
			OperatorLat:   latLon(p[1:5]),
			OperatorLon:   latLon(p[5:9]),
			AreaCount:     binary.LittleEndian.Uint16(p[9:11]),
			AreaRadius:    int(p[11]) * 10,
			AreaCeiling:   altitude(p[12:14]),
			AreaFloor:     altitude(p[14:16]),
		}

	case TypeOperatorID:
		if len(p) < operatorIDMinLen {
			return Message{}, false
		}
		msg.OperatorID = &OperatorID{
			OperatorIDType: p[0],
			OperatorID:     asciiField(span(p, 1, 21)),
		}

	case TypePack:
		// Packs never nest; an entry claiming to be a pack is skipped.
		if !allowPack || len(p) < packMinLen {
			return Message{}, false
		}
		msg.PackCount = int(p[0])
		n := msg.PackCount
		if n > MaxPackMessages {
			n = MaxPackMessages
		}
		off := 1
		for i := 0; i < n; i++ {
			if off+MessageSize > len(p) {
				break
			}
			if sub, ok := decode(p[off:off+MessageSize], false); ok {
				msg.Pack = append(msg.Pack, sub)
			}
			off += MessageSize
		}

	default:
		return Message{}, false
	}

	return msg, true
}

// Messages flattens a pack into its entries. A non-pack message is returned
// as a single-element slice.
func (m Message) Messages() []Message {
	if m.Type != TypePack {
		return []Message{m}
	}
	return m.Pack
}

func latLon(b []byte) float64 {
	return float64(int32(binary.LittleEndian.Uint32(b))) * 1e-7
}

func altitude(b []byte) float64 {
	return float64(binary.LittleEndian.Uint16(b))*0.5 - 1000
}

// span returns p[lo:hi] with hi clamped to len(p).
func span(p []byte, lo, hi int) []byte {
	if hi > len(p) {
		hi = len(p)
	}
	if lo > hi {
		return nil
	}
	return p[lo:hi]
}

// asciiField strips trailing NUL padding. Bytes outside 7-bit ASCII are
// replaced with U+FFFD.
func asciiField(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	var sb strings.Builder
	sb.Grow(end)
	for _, c := range b[:end] {
		if c < utf8.RuneSelf {
			sb.WriteByte(c)
			continue
		}
		sb.WriteRune(utf8.RuneError)
	}
	return sb.String()
}
