package advdata

import (
	"encoding/binary"

	"github.com/go-ble/ble"
)

// Builder assembles AD structures for synthetic advertisements. Unlike the
// go-ble packet builder it does not cap the result at 31 bytes, so it can
// produce extended advertising payloads.
type Builder struct {
	b []byte
}

func (b *Builder) append(typ byte, body []byte) *Builder {
	if len(body) > 0xFD {
		body = body[:0xFD]
	}
	b.b = append(b.b, byte(len(body)+1), typ)
	b.b = append(b.b, body...)
	return b
}

func (b *Builder) Flags(f byte) *Builder {
	return b.append(TypeFlags, []byte{f})
}

func (b *Builder) ManufacturerData(company uint16, data []byte) *Builder {
	body := make([]byte, 2, 2+len(data))
	binary.LittleEndian.PutUint16(body, company)
	return b.append(TypeManufacturerData, append(body, data...))
}

func (b *Builder) ServiceUUIDs16(complete bool, uuids ...uint16) *Builder {
	var body []byte
	for _, u := range uuids {
		body = append(body, ble.UUID16(u)...)
	}
	typ := TypeSomeUUID16
	if complete {
		typ = TypeAllUUID16
	}
	return b.append(typ, body)
}

// ServiceUUIDs128 takes UUIDs in the usual dashed display form. Strings that
// do not parse as 128-bit UUIDs are ignored.
func (b *Builder) ServiceUUIDs128(complete bool, uuids ...string) *Builder {
	var body []byte
	for _, s := range uuids {
		u, err := ble.Parse(s)
		if err != nil || u.Len() != 16 {
			continue
		}
		body = append(body, u...)
	}
	typ := TypeSomeUUID128
	if complete {
		typ = TypeAllUUID128
	}
	return b.append(typ, body)
}

func (b *Builder) ServiceData16(uuid uint16, data []byte) *Builder {
	return b.append(TypeServiceData16, append([]byte(ble.UUID16(uuid)), data...))
}

func (b *Builder) LocalName(name string, complete bool) *Builder {
	typ := TypeShortName
	if complete {
		typ = TypeCompleteName
	}
	return b.append(typ, []byte(name))
}

// Bytes returns a copy of the assembled data.
func (b *Builder) Bytes() []byte {
	out := make([]byte, len(b.b))
	copy(out, b.b)
	return out
}
