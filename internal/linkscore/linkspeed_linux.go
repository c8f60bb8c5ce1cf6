//go:build linux

package linkscore

import (
	"os"
	"strconv"
	"strings"
)

// linkSpeedMbps reads the kernel-reported link speed from
// /sys/class/net/<iface>/speed, mirroring the counter-reading idiom used
// elsewhere in the pack for socket/interface introspection. The file holds
// -1 when the driver doesn't know the speed (common for virtual/loopback
// interfaces, tunnels, and some container NICs).
func linkSpeedMbps(ifaceName string) (float64, bool) {
	b, err := os.ReadFile("/sys/class/net/" + ifaceName + "/speed")
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || v <= 0 {
		return 0, false
	}
	return float64(v), true
}
