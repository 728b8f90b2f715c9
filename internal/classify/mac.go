package classify

import (
	"fmt"
	"strings"
)

// FormatMAC renders an over-the-air (little-endian) device address in the
// usual display order, e.g. "C0:FF:EE:00:11:22". It returns "" for an empty
// address.
func FormatMAC(addr []byte) string {
	if len(addr) == 0 {
		return ""
	}
	parts := make([]string, len(addr))
	for i := range addr {
		parts[i] = fmt.Sprintf("%02X", addr[len(addr)-1-i])
	}
	return strings.Join(parts, ":")
}

// RandomSubtype classifies a random device address by the two most
// significant bits of its display-order first byte.
func RandomSubtype(addr []byte) string {
	if len(addr) == 0 {
		return ""
	}
	switch addr[len(addr)-1] >> 6 {
	case 0:
		return "non_resolvable_private"
	case 1:
		return "resolvable_private"
	case 2:
		return "reserved"
	default:
		return "static_random"
	}
}

// MACType is "random" or "public".
func MACType(random bool) string {
	if random {
		return "random"
	}
	return "public"
}
