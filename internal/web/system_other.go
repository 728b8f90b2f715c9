//go:build !linux

package web

func snapshotHost() *HostSnapshot {
	return nil
}
