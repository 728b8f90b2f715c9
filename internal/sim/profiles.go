package sim

import (
	"sort"

	"bleradar/internal/advdata"
	"bleradar/internal/classify"
	"bleradar/internal/radar"
)

// profile is the advertisement a simulated consumer device repeats.
type profile struct {
	pdu  radar.PDUType
	rssi int
	data func() []byte
}

var profiles = map[string]profile{
	"iphone": {radar.PDUAdvInd, -62, func() []byte {
		return new(advdata.Builder).Flags(0x1A).
			ManufacturerData(classify.CompanyApple, []byte{0x10, 0x05, 0x01, 0x18, 0x44, 0x00, 0x21}).Bytes()
	}},
	"airtag": {radar.PDUAdvNonconnInd, -74, func() []byte {
		return new(advdata.Builder).
			ManufacturerData(classify.CompanyApple, append([]byte{0x12, 0x19, 0x10}, make([]byte, 22)...)).Bytes()
	}},
	"airpods": {radar.PDUAdvNonconnInd, -58, func() []byte {
		return new(advdata.Builder).
			ManufacturerData(classify.CompanyApple, []byte{0x07, 0x19, 0x01, 0x0E, 0x20, 0x55, 0xAA}).Bytes()
	}},
	"smarttag": {radar.PDUAdvNonconnInd, -77, func() []byte {
		return new(advdata.Builder).
			ManufacturerData(classify.CompanySamsung, []byte{0x42, 0x09, 0x81, 0x02, 0x14}).Bytes()
	}},
	"galaxy": {radar.PDUAdvInd, -66, func() []byte {
		return new(advdata.Builder).Flags(0x1A).
			ManufacturerData(classify.CompanySamsung, []byte{0x01, 0x00, 0x02}).Bytes()
	}},
	"tile": {radar.PDUAdvInd, -80, func() []byte {
		return new(advdata.Builder).Flags(0x06).
			ServiceUUIDs16(true, classify.ServiceTile).
			ServiceData16(classify.ServiceTile, []byte{0x02, 0x00, 0x8E, 0x11}).Bytes()
	}},
	"windows": {radar.PDUAdvNonconnInd, -70, func() []byte {
		return new(advdata.Builder).
			ManufacturerData(classify.CompanyMicrosoft, []byte{0x01, 0x09, 0x20, 0x02}).Bytes()
	}},
	"tesla": {radar.PDUAdvInd, -68, func() []byte {
		return new(advdata.Builder).Flags(0x06).
			ManufacturerData(classify.CompanyTesla, []byte{0x00, 0x01}).Bytes()
	}},
	"eddystone": {radar.PDUAdvNonconnInd, -72, func() []byte {
		return new(advdata.Builder).Flags(0x06).
			ServiceUUIDs16(true, classify.ServiceEddystone).
			ServiceData16(classify.ServiceEddystone, []byte{0x10, 0xEE, 0x03, 'b', 'l', 'e', 0x07}).Bytes()
	}},
	"pixel_buds": {radar.PDUAdvInd, -60, func() []byte {
		return new(advdata.Builder).Flags(0x06).
			ServiceUUIDs16(true, classify.ServiceFastPair).
			ServiceData16(classify.ServiceFastPair, []byte{0x2C, 0xF1, 0x00}).Bytes()
	}},
	"fitbit": {radar.PDUAdvInd, -71, func() []byte {
		return new(advdata.Builder).Flags(0x06).
			ServiceUUIDs16(false, classify.ServiceFitbit).Bytes()
	}},
	"garmin": {radar.PDUAdvInd, -69, func() []byte {
		return new(advdata.Builder).Flags(0x06).
			ManufacturerData(classify.CompanyGarmin, []byte{0x03, 0x00}).Bytes()
	}},
	"heart_rate": {radar.PDUAdvInd, -75, func() []byte {
		return new(advdata.Builder).Flags(0x06).
			ServiceUUIDs16(true, classify.ServiceHeartRate).
			LocalName("HRM-Pro", true).Bytes()
	}},
	"speaker": {radar.PDUAdvInd, -64, func() []byte {
		return new(advdata.Builder).Flags(0x06).LocalName("JBL Flip 6", true).Bytes()
	}},
	"unknown": {radar.PDUAdvNonconnInd, -88, func() []byte {
		return new(advdata.Builder).ManufacturerData(0x0A12, []byte{0xDE, 0xAD}).Bytes()
	}},
}

// Profiles lists the consumer device profiles the simulator can emit.
func Profiles() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
