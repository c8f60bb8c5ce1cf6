//go:build !linux

package linkscore

// linkSpeedMbps has no portable implementation outside Linux's sysfs; the
// caller falls back to estimateThroughputMbps's conservative default.
func linkSpeedMbps(ifaceName string) (float64, bool) {
	return 0, false
}
