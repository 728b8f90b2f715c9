package odid

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestDecode_EmptyInput(t *testing.T) {
	if _, ok := Decode(nil); ok {
		t.Fatalf("expected nil input to be rejected")
	}
	if _, ok := Decode([]byte{}); ok {
		t.Fatalf("expected empty input to be rejected")
	}
}

func TestDecode_LocationRoundTrip(t *testing.T) {
	cases := []Location{
		{Status: 2, HeightType: 1, Heading: 200, Speed: 12.5, SpeedV: -3.5, Lat: 47.6062095, Lon: -122.3320708, AltPressure: 120.5, Alt: 118, Height: 42.5},
		{Lat: -33.8688197, Lon: 151.2092955, Alt: -10, AltPressure: 0, Height: 0},
		{Lat: 89.9999999, Lon: -179.9999999, Alt: 3000, Speed: 63.75, SpeedV: 63.5},
		{Lat: 0, Lon: 0, Alt: -1000},
	}
	for _, want := range cases {
		msg, ok := Decode(EncodeLocation(2, want))
		if !ok {
			t.Fatalf("decode failed for %+v", want)
		}
		if msg.Type != TypeLocation || msg.ProtocolVersion != 2 {
			t.Fatalf("type=%v version=%d", msg.Type, msg.ProtocolVersion)
		}
		got := msg.Location
		if got == nil {
			t.Fatalf("location not set")
		}
		if math.Abs(got.Lat-want.Lat) > 1e-7 || math.Abs(got.Lon-want.Lon) > 1e-7 {
			t.Fatalf("lat/lon=%v,%v want %v,%v", got.Lat, got.Lon, want.Lat, want.Lon)
		}
		for _, pair := range [][2]float64{{got.Alt, want.Alt}, {got.AltPressure, want.AltPressure}, {got.Height, want.Height}} {
			if math.Abs(pair[0]-pair[1]) > 0.5 {
				t.Fatalf("altitude=%v want %v", pair[0], pair[1])
			}
		}
		if got.Heading != want.Heading || got.Speed != want.Speed || got.SpeedV != want.SpeedV {
			t.Fatalf("kinematics=%v/%v/%v want %v/%v/%v", got.Heading, got.Speed, got.SpeedV, want.Heading, want.Speed, want.SpeedV)
		}
		if got.Status != want.Status || got.HeightType != want.HeightType {
			t.Fatalf("status=%d height_type=%d", got.Status, got.HeightType)
		}
	}
}

func TestDecode_LocationRawBytes(t *testing.T) {
	// lat 1.0, lon -1.0, all altitudes encode 0 m (2000 half-meters).
	b := []byte{
		0x12,
		0x21, 90, 8, 0xFE,
		0x80, 0x96, 0x98, 0x00,
		0x80, 0x69, 0x67, 0xFF,
		0xD0, 0x07, 0xD0, 0x07, 0xD0, 0x07,
	}
	msg, ok := Decode(b)
	if !ok {
		t.Fatalf("decode failed")
	}
	want := Location{Status: 2, HeightType: 1, Heading: 90, Speed: 2, SpeedV: -1, Lat: 1, Lon: -1}
	if diff := cmp.Diff(want, *msg.Location, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("location mismatch (-want +got):\n%s", diff)
	}
	if msg.ProtocolVersion != 2 {
		t.Fatalf("version=%d want 2", msg.ProtocolVersion)
	}
}

func TestDecode_UndersizedPayloads(t *testing.T) {
	cases := map[string][]byte{
		"basic_id":    append([]byte{0x00}, make([]byte, 19)...),
		"location":    append([]byte{0x10}, make([]byte, 17)...),
		"self_id":     append([]byte{0x30}, make([]byte, 22)...),
		"system":      append([]byte{0x40}, make([]byte, 17)...),
		"operator_id": append([]byte{0x50}, make([]byte, 19)...),
		"pack":        {0xF0, 0x01},
	}
	for name, b := range cases {
		if _, ok := Decode(b); ok {
			t.Fatalf("%s: expected undersized payload to be rejected", name)
		}
	}
}

func TestDecode_UnsupportedTypes(t *testing.T) {
	for _, hdr := range []byte{0x20, 0x60, 0x70, 0xA0, 0xE0} {
		if _, ok := Decode(append([]byte{hdr}, make([]byte, 24)...)); ok {
			t.Fatalf("type 0x%02x should not decode", hdr)
		}
	}
}

func TestDecode_BasicIDStripsPadding(t *testing.T) {
	msg, ok := Decode(EncodeBasicID(1, BasicID{IDType: 1, UAType: 2, Serial: "1581F5FJD22A0001"}))
	if !ok {
		t.Fatalf("decode failed")
	}
	want := &BasicID{IDType: 1, UAType: 2, Serial: "1581F5FJD22A0001"}
	if diff := cmp.Diff(want, msg.BasicID); diff != "" {
		t.Fatalf("basic id mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_BasicIDMinimumLength(t *testing.T) {
	// 20 payload bytes: the serial field is clamped to 19 characters.
	b := append([]byte{0x00, 0x12}, []byte(strings.Repeat("A", 19))...)
	msg, ok := Decode(b)
	if !ok {
		t.Fatalf("decode failed")
	}
	if msg.BasicID.Serial != strings.Repeat("A", 19) {
		t.Fatalf("serial=%q", msg.BasicID.Serial)
	}
}

func TestDecode_NonASCIIReplaced(t *testing.T) {
	b := EncodeOperatorID(0, OperatorID{OperatorID: "OP"})
	b[4] = 0xC3
	msg, ok := Decode(b)
	if !ok {
		t.Fatalf("decode failed")
	}
	if msg.OperatorID.OperatorID != "OP�" {
		t.Fatalf("operator_id=%q", msg.OperatorID.OperatorID)
	}
}

func TestDecode_SelfIDSystemOperator(t *testing.T) {
	self, ok := Decode(EncodeSelfID(1, SelfID{DescriptionType: 1, Description: "Survey flight north"}))
	if !ok || self.SelfID == nil {
		t.Fatalf("self id decode failed")
	}
	if self.SelfID.Description != "Survey flight north" || self.SelfID.DescriptionType != 1 {
		t.Fatalf("self id=%+v", *self.SelfID)
	}

	sys, ok := Decode(EncodeSystem(1, System{OperatorClass: 1, OperatorLat: 51.5007292, OperatorLon: -0.1246254, AreaCount: 3, AreaRadius: 250, AreaCeiling: 150, AreaFloor: 0}))
	if !ok || sys.System == nil {
		t.Fatalf("system decode failed")
	}
	want := System{OperatorClass: 1, OperatorLat: 51.5007292, OperatorLon: -0.1246254, AreaCount: 3, AreaRadius: 250, AreaCeiling: 150, AreaFloor: 0}
	if diff := cmp.Diff(want, *sys.System, cmpopts.EquateApprox(0, 1e-7)); diff != "" {
		t.Fatalf("system mismatch (-want +got):\n%s", diff)
	}

	op, ok := Decode(EncodeOperatorID(1, OperatorID{OperatorIDType: 0, OperatorID: "GBR-OP-1234ABCD"}))
	if !ok || op.OperatorID == nil {
		t.Fatalf("operator id decode failed")
	}
	if op.OperatorID.OperatorID != "GBR-OP-1234ABCD" {
		t.Fatalf("operator_id=%q", op.OperatorID.OperatorID)
	}
}

func TestDecode_PackThreeMessages(t *testing.T) {
	b := EncodePack(2,
		EncodeBasicID(2, BasicID{Serial: "SN1"}),
		EncodeLocation(2, Location{Lat: 10, Lon: 20}),
		EncodeSelfID(2, SelfID{Description: "hello"}),
	)
	msg, ok := Decode(b)
	if !ok {
		t.Fatalf("decode failed")
	}
	if msg.Type != TypePack || msg.PackCount != 3 {
		t.Fatalf("type=%v count=%d", msg.Type, msg.PackCount)
	}
	var types []MessageType
	for _, sub := range msg.Messages() {
		types = append(types, sub.Type)
	}
	if diff := cmp.Diff([]MessageType{TypeBasicID, TypeLocation, TypeSelfID}, types); diff != "" {
		t.Fatalf("sub types (-want +got):\n%s", diff)
	}
}

func TestDecode_PackStopsOnShortEntry(t *testing.T) {
	b := EncodePack(0, EncodeBasicID(0, BasicID{Serial: "A"}), EncodeBasicID(0, BasicID{Serial: "B"}))
	b = b[:len(b)-1]
	msg, ok := Decode(b)
	if !ok {
		t.Fatalf("decode failed")
	}
	if len(msg.Pack) != 1 || msg.Pack[0].BasicID.Serial != "A" {
		t.Fatalf("pack=%+v", msg.Pack)
	}
}

func TestDecode_PackCapsAtNine(t *testing.T) {
	b := []byte{0xF0, 12}
	for i := 0; i < 12; i++ {
		b = append(b, EncodeBasicID(0, BasicID{Serial: "X"})...)
	}
	msg, ok := Decode(b)
	if !ok {
		t.Fatalf("decode failed")
	}
	if msg.PackCount != 12 {
		t.Fatalf("pack_count=%d want 12", msg.PackCount)
	}
	if len(msg.Pack) != MaxPackMessages {
		t.Fatalf("entries=%d want %d", len(msg.Pack), MaxPackMessages)
	}
}

func TestDecode_PackSkipsNestedAndInvalid(t *testing.T) {
	nested := make([]byte, MessageSize)
	nested[0] = 0xF0
	nested[1] = 1
	auth := make([]byte, MessageSize)
	auth[0] = 0x20
	b := EncodePack(0, nested, auth, EncodeOperatorID(0, OperatorID{OperatorID: "OP"}))
	msg, ok := Decode(b)
	if !ok {
		t.Fatalf("decode failed")
	}
	if len(msg.Pack) != 1 || msg.Pack[0].Type != TypeOperatorID {
		t.Fatalf("pack=%+v", msg.Pack)
	}
}

func TestMessageTypeString(t *testing.T) {
	if got := TypePack.String(); got != "message_pack" {
		t.Fatalf("got %q", got)
	}
	if got := MessageType(0x9).String(); got != "type_0x9" {
		t.Fatalf("got %q", got)
	}
}
