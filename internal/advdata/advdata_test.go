package advdata

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecode_AllRecordKinds(t *testing.T) {
	raw := new(Builder).
		Flags(0x06).
		ServiceUUIDs16(true, 0xFFFA, 0x180D).
		ServiceData16(0xFFFA, []byte{0x10, 0x01, 0x02}).
		ManufacturerData(0x004C, []byte{0x12, 0x19, 0x00}).
		ServiceUUIDs128(false, "34DA3AD1-7110-41A1-B1EF-4430F509CDE7").
		LocalName("Mavic", true).
		Bytes()

	recs, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []Record{
		ServiceList16{UUIDs: []uint16{0xFFFA, 0x180D}, Complete: true},
		ServiceData16{UUID: 0xFFFA, Data: []byte{0x10, 0x01, 0x02}},
		ManufacturerData{Company: 0x004C, Data: []byte{0x12, 0x19, 0x00}},
		ServiceList128{UUIDs: []string{"34DA3AD1711041A1B1EF4430F509CDE7"}},
		LocalName{Name: "Mavic", Complete: true},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_RepeatedStructuresAllReported(t *testing.T) {
	raw := new(Builder).
		ManufacturerData(0x0075, []byte{0x42, 0x04}).
		ManufacturerData(0x004C, []byte{0x10, 0x05}).
		ServiceData16(0xFEAA, []byte{0x00}).
		ServiceData16(0xFFFA, []byte{0x00}).
		Bytes()

	recs, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("records=%d want 4: %#v", len(recs), recs)
	}
	if md, ok := recs[1].(ManufacturerData); !ok || md.Company != 0x004C {
		t.Fatalf("second record=%#v", recs[1])
	}
	if sd, ok := recs[3].(ServiceData16); !ok || sd.UUID != 0xFFFA {
		t.Fatalf("fourth record=%#v", recs[3])
	}
}

func TestDecode_TruncatedStructure(t *testing.T) {
	raw := new(Builder).LocalName("ok", false).Bytes()
	raw = append(raw, 0x05, TypeManufacturerData, 0x4C)

	recs, err := Decode(raw)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v want ErrMalformed", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records=%d want 1", len(recs))
	}
}

func TestDecode_BadBodySkipped(t *testing.T) {
	raw := []byte{0x04, TypeAllUUID16, 0xFA, 0xFF, 0x01}
	raw = append(raw, new(Builder).LocalName("tail", true).Bytes()...)

	recs, err := Decode(raw)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v want ErrMalformed", err)
	}
	if diff := cmp.Diff([]Record{LocalName{Name: "tail", Complete: true}}, recs); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_ZeroLengthTerminates(t *testing.T) {
	raw := new(Builder).LocalName("x", false).Bytes()
	raw = append(raw, 0x00, 0xFF, 0xFF, 0xFF)

	recs, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records=%d want 1", len(recs))
	}
}

func TestDecode_Empty(t *testing.T) {
	recs, err := Decode(nil)
	if err != nil || len(recs) != 0 {
		t.Fatalf("recs=%v err=%v", recs, err)
	}
}

func TestDecode_ShortManufacturerData(t *testing.T) {
	_, err := Decode([]byte{0x02, TypeManufacturerData, 0x4C})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v want ErrMalformed", err)
	}
}

func TestDecode_ExtendedLengthPayload(t *testing.T) {
	big := make([]byte, 60)
	for i := range big {
		big[i] = byte(i)
	}
	raw := new(Builder).ServiceData16(0xFFFA, big).Bytes()
	if len(raw) <= 31 {
		t.Fatalf("expected payload longer than a legacy advert, got %d", len(raw))
	}
	recs, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sd, ok := recs[0].(ServiceData16)
	if !ok || len(sd.Data) != 60 || sd.Data[59] != 59 {
		t.Fatalf("record=%#v", recs[0])
	}
}
