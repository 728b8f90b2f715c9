package sniffle

import (
	"bleradar/internal/radar"
)

// Extended header flag bits and the field sizes they announce, in order.
const (
	extAdvA    = 1 << 0
	extTargetA = 1 << 1
	extCTEInfo = 1 << 2
	extADI     = 1 << 3
	extAuxPtr  = 1 << 4
	extSync    = 1 << 5
	extTxPower = 1 << 6
)

var extFields = []struct {
	bit  byte
	size int
}{
	{extTargetA, 6},
	{extCTEInfo, 1},
	{extADI, 2},
	{extAuxPtr, 3},
	{extSync, 18},
	{extTxPower, 1},
}

// parseAdvPDU turns an advertising channel PDU into an Advertisement.
// SCAN_REQ, CONNECT_IND, reserved types and malformed PDUs yield nil.
// Extended PDUs without an AdvA field yield an Advertisement with no
// address.
func parseAdvPDU(pdu []byte, channel, rssi int) *radar.Advertisement {
	if len(pdu) < 2 {
		return nil
	}
	adv := &radar.Advertisement{
		RandomAddr: pdu[0]&0x40 != 0,
		RSSI:       rssi,
		PDUType:    radar.PDUType(pdu[0] & 0x0F),
		Channel:    channel,
	}
	payload := pdu[2:]
	if n := int(pdu[1]); n < len(payload) {
		payload = payload[:n]
	}

	switch adv.PDUType {
	case radar.PDUAdvInd, radar.PDUAdvNonconnInd, radar.PDUAdvScanInd, radar.PDUScanRsp:
		if len(payload) < 6 {
			return nil
		}
		adv.Addr = clone(payload[:6])
		adv.AdvData = clone(payload[6:])
	case radar.PDUAdvDirectInd:
		if len(payload) < 6 {
			return nil
		}
		adv.Addr = clone(payload[:6])
	case radar.PDUAdvExtInd:
		addr, data, ok := parseExtended(payload)
		if !ok {
			return nil
		}
		adv.Addr, adv.AdvData = addr, data
	default:
		return nil
	}
	return adv
}

// parseExtended splits a common extended advertising payload into AdvA and
// AdvData.
func parseExtended(payload []byte) (addr, data []byte, ok bool) {
	if len(payload) < 1 {
		return nil, nil, false
	}
	hlen := int(payload[0] & 0x3F)
	if 1+hlen > len(payload) {
		return nil, nil, false
	}
	data = clone(payload[1+hlen:])
	if hlen == 0 {
		return nil, data, true
	}

	hdr := payload[1 : 1+hlen]
	flags := hdr[0]
	off := 1
	if flags&extAdvA != 0 {
		if off+6 > len(hdr) {
			return nil, nil, false
		}
		addr = clone(hdr[off : off+6])
		off += 6
	}
	for _, f := range extFields {
		if flags&f.bit != 0 {
			off += f.size
		}
	}
	if off > len(hdr) {
		return nil, nil, false
	}
	return addr, data, true
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
