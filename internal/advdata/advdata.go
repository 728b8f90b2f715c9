// Package advdata splits BLE advertising data (the AdvData field of an
// advertising PDU) into typed records.
//
// Each AD structure is handed to the go-ble adv packet parser on its own so
// that repeated structures of the same type are all reported; the parser
// itself only returns the first match for a given type.
package advdata

import (
	"encoding/binary"
	"errors"

	"github.com/go-ble/ble/linux/adv"
)

// ErrMalformed is returned when an AD structure is truncated or its body
// does not match the layout required by its type.
var ErrMalformed = errors.New("advdata: malformed AD structure")

// AD types understood by Decode.
const (
	TypeFlags            byte = 0x01
	TypeSomeUUID16       byte = 0x02
	TypeAllUUID16        byte = 0x03
	TypeSomeUUID128      byte = 0x06
	TypeAllUUID128       byte = 0x07
	TypeShortName        byte = 0x08
	TypeCompleteName     byte = 0x09
	TypeServiceData16    byte = 0x16
	TypeManufacturerData byte = 0xFF
)

// Record is one decoded AD structure. The concrete types are
// ManufacturerData, ServiceList16, ServiceList128, ServiceData16 and
// LocalName.
type Record interface {
	isRecord()
}

type ManufacturerData struct {
	Company uint16
	Data    []byte
}

type ServiceList16 struct {
	UUIDs    []uint16
	Complete bool
}

// ServiceList128 holds 128-bit UUIDs as uppercase hex in display order.
type ServiceList128 struct {
	UUIDs    []string
	Complete bool
}

type ServiceData16 struct {
	UUID uint16
	Data []byte
}

type LocalName struct {
	Name     string
	Complete bool
}

func (ManufacturerData) isRecord() {}
func (ServiceList16) isRecord()    {}
func (ServiceList128) isRecord()   {}
func (ServiceData16) isRecord()    {}
func (LocalName) isRecord()        {}

// Decode walks raw AD structures in order. Structure types without a Record
// representation are skipped. A zero length byte ends the significant part of
// the data. When a structure is malformed the records decoded so far are
// returned along with ErrMalformed; a structure whose body is merely the
// wrong size is skipped and decoding continues.
func Decode(raw []byte) ([]Record, error) {
	var (
		recs      []Record
		malformed bool
	)
	b := raw
	for len(b) > 0 {
		l := int(b[0])
		if l == 0 {
			break
		}
		// The adv parser does its length arithmetic in a byte.
		if l == 0xFF || 1+l > len(b) {
			return recs, ErrMalformed
		}
		structure := b[:1+l]
		b = b[1+l:]

		rec, ok := decodeStructure(structure)
		if !ok {
			malformed = true
			continue
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	if malformed {
		return recs, ErrMalformed
	}
	return recs, nil
}

// decodeStructure returns (nil, true) for well-formed structures of types
// that are not modeled.
func decodeStructure(s []byte) (Record, bool) {
	typ := s[1]
	body := s[2:]
	p := adv.NewRawPacket(s)

	switch typ {
	case TypeSomeUUID16, TypeAllUUID16:
		if len(body)%2 != 0 {
			return nil, false
		}
		list := ServiceList16{Complete: typ == TypeAllUUID16}
		for _, u := range p.UUIDs() {
			list.UUIDs = append(list.UUIDs, binary.LittleEndian.Uint16(u))
		}
		return list, true

	case TypeSomeUUID128, TypeAllUUID128:
		if len(body)%16 != 0 {
			return nil, false
		}
		list := ServiceList128{Complete: typ == TypeAllUUID128}
		for _, u := range p.UUIDs() {
			list.UUIDs = append(list.UUIDs, u.String())
		}
		return list, true

	case TypeShortName, TypeCompleteName:
		return LocalName{Name: p.LocalName(), Complete: typ == TypeCompleteName}, true

	case TypeServiceData16:
		if len(body) < 2 {
			return nil, false
		}
		sd := p.ServiceData()
		if len(sd) == 0 {
			return nil, false
		}
		return ServiceData16{
			UUID: binary.LittleEndian.Uint16(sd[0].UUID),
			Data: sd[0].Data,
		}, true

	case TypeManufacturerData:
		md := p.ManufacturerData()
		if len(md) < 2 {
			return nil, false
		}
		data := make([]byte, len(md)-2)
		copy(data, md[2:])
		return ManufacturerData{
			Company: binary.LittleEndian.Uint16(md[:2]),
			Data:    data,
		}, true
	}
	return nil, true
}
