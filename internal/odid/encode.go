package odid

import (
	"encoding/binary"
	"math"
)

// The encoders below build single 25-byte messages in the same layout that
// Decode reads. They exist for the simulator and for tests; values are
// clamped to the encodable range.

func header(t MessageType, version uint8) byte {
	return byte(t)<<4 | version&0x0F
}

func EncodeBasicID(version uint8, b BasicID) []byte {
	out := make([]byte, MessageSize)
	out[0] = header(TypeBasicID, version)
	out[1] = b.IDType<<4 | b.UAType&0x0F
	copy(out[2:22], b.Serial)
	return out
}

func EncodeLocation(version uint8, l Location) []byte {
	out := make([]byte, MessageSize)
	out[0] = header(TypeLocation, version)
	p := out[1:]
	p[0] = l.Status<<4 | l.HeightType&0x01
	p[1] = uint8(clamp(math.Round(l.Heading), 0, math.MaxUint8))
	p[2] = uint8(clamp(math.Round(l.Speed/0.25), 0, math.MaxUint8))
	p[3] = byte(int8(clamp(math.Round(l.SpeedV/0.5), math.MinInt8, math.MaxInt8)))
	putLatLon(p[4:8], l.Lat)
	putLatLon(p[8:12], l.Lon)
	putAltitude(p[12:14], l.AltPressure)
	putAltitude(p[14:16], l.Alt)
	putAltitude(p[16:18], l.Height)
	return out
}

func EncodeSelfID(version uint8, s SelfID) []byte {
	out := make([]byte, MessageSize)
	out[0] = header(TypeSelfID, version)
	out[1] = s.DescriptionType
	copy(out[2:25], s.Description)
	return out
}

func EncodeSystem(version uint8, s System) []byte {
	out := make([]byte, MessageSize)
	out[0] = header(TypeSystem, version)
	p := out[1:]
	p[0] = s.OperatorClass & 0x03
	putLatLon(p[1:5], s.OperatorLat)
	putLatLon(p[5:9], s.OperatorLon)
	binary.LittleEndian.PutUint16(p[9:11], s.AreaCount)
	p[11] = uint8(clamp(math.Round(float64(s.AreaRadius)/10), 0, math.MaxUint8))
	putAltitude(p[12:14], s.AreaCeiling)
	putAltitude(p[14:16], s.AreaFloor)
	return out
}

func EncodeOperatorID(version uint8, o OperatorID) []byte {
	out := make([]byte, MessageSize)
	out[0] = header(TypeOperatorID, version)
	out[1] = o.OperatorIDType
	copy(out[2:22], o.OperatorID)
	return out
}

// EncodePack wraps already-encoded messages into a message pack. Each entry
// is padded or truncated to MessageSize; at most MaxPackMessages are kept.
func EncodePack(version uint8, msgs ...[]byte) []byte {
	if len(msgs) > MaxPackMessages {
		msgs = msgs[:MaxPackMessages]
	}
	out := make([]byte, 2, 2+len(msgs)*MessageSize)
	out[0] = header(TypePack, version)
	out[1] = byte(len(msgs))
	for _, m := range msgs {
		entry := make([]byte, MessageSize)
		copy(entry, m)
		out = append(out, entry...)
	}
	return out
}

func putLatLon(b []byte, deg float64) {
	v := clamp(math.Round(deg*1e7), math.MinInt32, math.MaxInt32)
	binary.LittleEndian.PutUint32(b, uint32(int32(v)))
}

func putAltitude(b []byte, m float64) {
	v := clamp(math.Round((m+1000)/0.5), 0, math.MaxUint16)
	binary.LittleEndian.PutUint16(b, uint16(v))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
