// Package classify maps the records of one BLE advertisement to a device
// category, subcategory and company.
//
// Classify is a pure function: the same Input always yields the same Result.
// Rules are evaluated in a fixed order and the first match wins.
package classify

import (
	"fmt"
	"strings"

	"bleradar/internal/advdata"
	"bleradar/internal/odid"
)

type Category string

const (
	CategoryDrone    Category = "drone"
	CategoryTracker  Category = "tracker"
	CategoryPhone    Category = "phone"
	CategoryAudio    Category = "audio"
	CategoryBeacon   Category = "beacon"
	CategoryWearable Category = "wearable"
	CategoryVehicle  Category = "vehicle"
	CategoryUnknown  Category = "unknown"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryDrone,
	CategoryTracker,
	CategoryPhone,
	CategoryAudio,
	CategoryBeacon,
	CategoryWearable,
	CategoryVehicle,
	CategoryUnknown,
}

const FlagRandomizedMAC = "randomized_mac"

// Bluetooth SIG company identifiers.
const (
	CompanyMicrosoft uint16 = 0x0006
	CompanyApple     uint16 = 0x004C
	CompanySamsung   uint16 = 0x0075
	CompanyGarmin    uint16 = 0x0087
	CompanyBose      uint16 = 0x009E
	CompanyGoogle    uint16 = 0x00E0
	CompanySony      uint16 = 0x012D
	CompanyFitbit    uint16 = 0x0139
	CompanyTesla     uint16 = 0x02E5
)

// 16-bit service UUIDs.
const (
	ServiceRemoteID  uint16 = odid.ServiceUUID
	ServiceEddystone uint16 = 0xFEAA
	ServiceTile      uint16 = 0xFEED
	ServiceFitbit    uint16 = 0xFEEC
	ServiceHeartRate uint16 = 0x180D
	ServiceFastPair  uint16 = 0xFE2C
)

// Apple continuity message types (first byte of the manufacturer payload).
const (
	appleAirPods byte = 0x07
	appleAirPlay byte = 0x09
	appleHandoff byte = 0x0C
	appleHotspot byte = 0x0F
	appleNearby  byte = 0x10
	appleFindMy  byte = 0x12
	appleIBeacon byte = 0x02

	iBeaconLength byte = 0x15
)

const smartTagSignature byte = 0x42

// Input is everything the classifier looks at. When Records is nil the
// records are decoded from Raw.
type Input struct {
	MAC       string
	Random    bool
	Records   []advdata.Record
	Raw       []byte
	LocalName string
}

type Result struct {
	Category    Category
	Subcategory string
	Company     string
	Flags       []string
	// RemoteID is set only for drone results whose service data decoded.
	RemoteID *odid.Message
}

// gathered is the flattened view of the records that the rules consult.
type gathered struct {
	mfr         []advdata.ManufacturerData
	uuids16     []uint16
	uuids128    []string
	serviceData []advdata.ServiceData16
	name        string
}

func gather(in Input) gathered {
	recs := in.Records
	if recs == nil && len(in.Raw) > 0 {
		// Keep whatever decoded before a malformed structure.
		recs, _ = advdata.Decode(in.Raw)
	}
	g := gathered{name: in.LocalName}
	for _, rec := range recs {
		switch r := rec.(type) {
		case advdata.ManufacturerData:
			g.mfr = append(g.mfr, r)
		case advdata.ServiceList16:
			g.uuids16 = append(g.uuids16, r.UUIDs...)
		case advdata.ServiceList128:
			g.uuids128 = append(g.uuids128, r.UUIDs...)
		case advdata.ServiceData16:
			g.serviceData = append(g.serviceData, r)
		case advdata.LocalName:
			g.name = r.Name
		}
	}
	return g
}

func (g gathered) hasService(uuid uint16) bool {
	for _, u := range g.uuids16 {
		if u == uuid {
			return true
		}
	}
	return false
}

func (g gathered) serviceDataFor(uuid uint16) ([]byte, bool) {
	for _, sd := range g.serviceData {
		if sd.UUID == uuid {
			return sd.Data, true
		}
	}
	return nil, false
}

func (g gathered) hasCompany(id uint16) bool {
	for _, md := range g.mfr {
		if md.Company == id {
			return true
		}
	}
	return false
}

// Classify runs the ordered rule table.
func Classify(in Input) Result {
	res := Result{Category: CategoryUnknown}
	if in.Random {
		res.Flags = append(res.Flags, FlagRandomizedMAC)
	}
	g := gather(in)

	set := func(c Category, sub, company string) Result {
		res.Category = c
		res.Subcategory = sub
		if company != "" {
			res.Company = company
		}
		return res
	}

	// Remote ID, listed or only present as service data.
	if g.hasService(ServiceRemoteID) {
		if data, ok := g.serviceDataFor(ServiceRemoteID); ok {
			res.RemoteID = decodeRemoteID(data)
		}
		return set(CategoryDrone, "remote_id", "Open Drone ID")
	}
	if data, ok := g.serviceDataFor(ServiceRemoteID); ok {
		res.RemoteID = decodeRemoteID(data)
		return set(CategoryDrone, "remote_id", "Open Drone ID")
	}

	for _, md := range g.mfr {
		if md.Company != CompanyApple {
			continue
		}
		res.Company = "Apple"
		if len(md.Data) < 2 {
			continue
		}
		cat, sub := appleContinuity(md.Data)
		return set(cat, sub, "")
	}

	for _, md := range g.mfr {
		if md.Company != CompanySamsung {
			continue
		}
		if len(md.Data) >= 4 && md.Data[0] == smartTagSignature {
			return set(CategoryTracker, "samsung_smarttag", "Samsung")
		}
		return set(CategoryPhone, "samsung_phone", "Samsung")
	}

	if g.hasService(ServiceTile) {
		return set(CategoryTracker, "tile", "Tile")
	}
	if g.hasCompany(CompanyMicrosoft) {
		return set(CategoryPhone, "windows_device", "Microsoft")
	}
	if g.hasCompany(CompanyTesla) {
		return set(CategoryVehicle, "tesla", "Tesla")
	}
	if g.hasService(ServiceEddystone) {
		return set(CategoryBeacon, "eddystone", "")
	}
	if g.hasService(ServiceFastPair) {
		return set(CategoryAudio, "google_fast_pair", "Google")
	}
	if g.hasCompany(CompanyGoogle) {
		return set(CategoryPhone, "google_device", "Google")
	}
	if g.hasService(ServiceFitbit) || g.hasCompany(CompanyFitbit) {
		return set(CategoryWearable, "fitbit", "Fitbit")
	}
	if g.hasCompany(CompanyGarmin) {
		return set(CategoryWearable, "garmin", "Garmin")
	}
	if g.hasCompany(CompanyBose) {
		return set(CategoryAudio, "bose", "Bose")
	}
	if g.hasCompany(CompanySony) {
		return set(CategoryAudio, "sony", "Sony")
	}
	if g.hasService(ServiceHeartRate) {
		return set(CategoryWearable, "heart_rate_monitor", "")
	}

	if name := strings.ToLower(g.name); name != "" {
		switch {
		case containsAny(name, "quest", "oculus", "meta"):
			return set(CategoryPhone, "meta_quest", "Meta")
		case containsAny(name, "buds", "headphone", "earphone", "speaker", "jbl", "beats"):
			return set(CategoryAudio, "audio_device", "")
		case containsAny(name, "watch", "band", "mi band", "galaxy watch"):
			return set(CategoryWearable, "smartwatch", "")
		}
	}

	if len(g.mfr) > 0 && res.Company == "" {
		res.Company = fmt.Sprintf("0x%04X", g.mfr[0].Company)
	}
	return res
}

func appleContinuity(data []byte) (Category, string) {
	switch data[0] {
	case appleFindMy:
		// Any FindMy payload of 3+ bytes is reported as an AirTag.
		if len(data) >= 3 {
			return CategoryTracker, "apple_airtag"
		}
		return CategoryTracker, "apple_findmy"
	case appleNearby:
		return CategoryPhone, "apple_iphone"
	case appleAirPods:
		return CategoryAudio, "apple_airpods"
	case appleHandoff:
		return CategoryPhone, "apple_handoff"
	case appleHotspot:
		return CategoryPhone, "apple_hotspot"
	case appleAirPlay:
		return CategoryAudio, "apple_airplay"
	case appleIBeacon:
		if data[1] == iBeaconLength {
			return CategoryBeacon, "ibeacon"
		}
	}
	return CategoryPhone, "apple_other"
}

func decodeRemoteID(data []byte) *odid.Message {
	msg, ok := odid.Decode(data)
	if !ok {
		return nil
	}
	return &msg
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
