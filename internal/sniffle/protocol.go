package sniffle

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// Advertising channel access address and CRC init.
const (
	advAccessAddress uint32 = 0x8E89BED6
	advCRCInit       uint32 = 0x555555
)

const phy1M byte = 0

// Host to firmware opcodes.
const (
	cmdChanAAPhy  byte = 0x10
	cmdPauseDone  byte = 0x11
	cmdRSSIFilter byte = 0x12
	cmdMACFilter  byte = 0x13
	cmdFollow     byte = 0x15
	cmdAuxAdv     byte = 0x16
	cmdMarker     byte = 0x18
	cmdVersion    byte = 0x24
)

// Firmware to host message types.
const (
	msgPacket      byte = 0x10
	msgDebug       byte = 0x11
	msgMarker      byte = 0x12
	msgState       byte = 0x13
	msgMeasurement byte = 0x14
)

const measVersion byte = 5

// Firmware states in which the radio sits on data channels.
const (
	stateData       byte = 3
	stateCentral    byte = 6
	statePeripheral byte = 7
)

// syncPreamble resynchronises the firmware command decoder.
var syncPreamble = []byte("@@@@@@@@\r\n")

var errBadFrame = errors.New("sniffle: bad frame")

// encodeCommand frames one command: a word count byte, the opcode and its
// arguments, base64 encoded and CRLF terminated.
func encodeCommand(op byte, args ...byte) []byte {
	raw := make([]byte, 0, 2+len(args))
	raw = append(raw, byte((len(args)+4)/3), op)
	raw = append(raw, args...)
	return []byte(base64.StdEncoding.EncodeToString(raw) + "\r\n")
}

func chanCommand(ch int) []byte {
	args := make([]byte, 10)
	args[0] = byte(ch)
	binary.LittleEndian.PutUint32(args[1:5], advAccessAddress)
	args[5] = phy1M
	binary.LittleEndian.PutUint32(args[6:10], advCRCInit)
	return encodeCommand(cmdChanAAPhy, args...)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// decodeFrame decodes one received line into its message type and body.
// The body keeps any zero padding up to the word count.
func decodeFrame(line []byte) (byte, []byte, error) {
	line = bytes.TrimSpace(line)
	data := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(data, line)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	data = data[:n]
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("%w: %d bytes", errBadFrame, len(data))
	}
	end := int(data[0]) * 3
	if end < 2 || end > len(data) {
		return 0, nil, fmt.Errorf("%w: word count %d for %d bytes", errBadFrame, data[0], len(data))
	}
	return data[1], data[2:end], nil
}

type packet struct {
	timestamp uint32
	rssi      int
	channel   int
	phy       int
	pdu       []byte
}

// parsePacket decodes a packet message body:
// u32 timestamp, u16 length (bit 15 is direction), u16 event, i8 rssi,
// u8 channel (top two bits are the PHY), then the PDU.
func parsePacket(body []byte) (packet, error) {
	if len(body) < 10 {
		return packet{}, fmt.Errorf("%w: packet header %d bytes", errBadFrame, len(body))
	}
	l := int(binary.LittleEndian.Uint16(body[4:6]) & 0x7FFF)
	pdu := body[10:]
	if l > len(pdu) {
		return packet{}, fmt.Errorf("%w: packet length %d exceeds %d", errBadFrame, l, len(pdu))
	}
	return packet{
		timestamp: binary.LittleEndian.Uint32(body[0:4]),
		rssi:      int(int8(body[8])),
		channel:   int(body[9] & 0x3F),
		phy:       int(body[9] >> 6),
		pdu:       pdu[:l],
	}, nil
}

func dataChannelState(state byte) bool {
	switch state {
	case stateData, stateCentral, statePeripheral:
		return true
	default:
		return false
	}
}
