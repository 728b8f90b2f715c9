package main

import (
	"sort"

	"github.com/rs/zerolog"

	"bleradar/internal/classify"
	"bleradar/internal/registry"
)

type scanSummary struct {
	Devices      int
	Drones       int
	Packets      uint64
	ScanDuration float64
	ScanRate     float64
	ByCategory   map[classify.Category]int
	Top          []registry.Device
}

// summarize picks the top devices by advert count, ties broken by MAC so
// the output is stable.
func summarize(devices []registry.Device, st registry.Stats, top int) scanSummary {
	s := scanSummary{
		Devices:      st.TotalDevices,
		Drones:       st.TotalDrones,
		Packets:      st.TotalPackets,
		ScanDuration: st.ScanDuration,
		ScanRate:     st.ScanRate,
		ByCategory:   map[classify.Category]int{},
	}
	for cat, n := range st.ByCategory {
		s.ByCategory[cat] = n
	}

	ranked := append([]registry.Device(nil), devices...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].AdvertCount != ranked[j].AdvertCount {
			return ranked[i].AdvertCount > ranked[j].AdvertCount
		}
		return ranked[i].MAC < ranked[j].MAC
	})
	if top >= 0 && len(ranked) > top {
		ranked = ranked[:top]
	}
	s.Top = ranked
	return s
}

func logSummary(l zerolog.Logger, s scanSummary) {
	cats := zerolog.Dict()
	keys := make([]string, 0, len(s.ByCategory))
	for cat := range s.ByCategory {
		keys = append(keys, string(cat))
	}
	sort.Strings(keys)
	for _, k := range keys {
		cats = cats.Int(k, s.ByCategory[classify.Category(k)])
	}

	l.Info().
		Int("devices", s.Devices).
		Int("drones", s.Drones).
		Uint64("packets", s.Packets).
		Float64("scan_duration_s", s.ScanDuration).
		Float64("scan_rate", s.ScanRate).
		Dict("by_category", cats).
		Msg("scan summary")

	for i, d := range s.Top {
		l.Info().
			Int("rank", i+1).
			Str("mac", d.MAC).
			Str("category", string(d.Category)).
			Str("company", d.Company).
			Str("name", d.Name).
			Int("adverts", d.AdvertCount).
			Int("rssi", d.RSSI).
			Msg("top device")
	}
}
