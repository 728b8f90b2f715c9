//go:build linux

package web

import (
	"golang.org/x/sys/unix"
)

// sysinfo load averages are fixed point with 16 fractional bits.
const loadScale = 1 << 16

func snapshotHost() *HostSnapshot {
	h := &HostSnapshot{}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		h.LastError = err.Error()
	} else {
		h.UptimeSec = int64(si.Uptime)
		for i := range h.Load {
			h.Load[i] = float64(si.Loads[i]) / loadScale
		}
	}

	var st unix.Statfs_t
	if err := unix.Statfs("/", &st); err != nil {
		h.LastError = err.Error()
		return h
	}
	bsize := uint64(st.Bsize)
	h.RootTotalBytes = st.Blocks * bsize
	h.RootAvailBytes = st.Bavail * bsize
	return h
}
