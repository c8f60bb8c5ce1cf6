package linkscore

import (
	"context"
	"net"
	"time"
)

// probePayload is the short datagram sent at each probe tick.
var probePayload = []byte("linksync-probe")

// probeUDP binds a UDP socket to localAddr (so the OS routes the probe
// through the owning interface) and sends datagrams to probeTarget at
// ~probeHz for duration, recording one RTT sample per reply received.
func (s *Scorer) probeUDP(ctx context.Context, localAddr string, duration time.Duration) (samples []float64, sent, received int) {
	laddr := &net.UDPAddr{IP: net.ParseIP(localAddr), Port: 0}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, 0, 0
	}
	defer conn.Close()

	raddr, err := net.ResolveUDPAddr("udp4", probeTarget)
	if err != nil {
		return nil, 0, 0
	}

	deadline := time.Now().Add(duration)
	interval := time.Second / probeHz
	readBuf := make([]byte, 64)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return samples, sent, received
		default:
		}

		start := time.Now()
		if _, err := conn.WriteToUDP(probePayload, raddr); err != nil {
			time.Sleep(interval)
			continue
		}
		sent++

		conn.SetReadDeadline(time.Now().Add(interval))
		if _, _, err := conn.ReadFromUDP(readBuf); err == nil {
			received++
			samples = append(samples, float64(time.Since(start).Microseconds())/1000.0)
		}
	}

	return samples, sent, received
}

// fallbackThroughputMbps is used when the platform can't report a real link
// speed (always the case off Linux, and for most virtual/container NICs even
// on Linux). It matches the degraded-metric throughput onProbeFailure seeds,
// so an interface this package can't actually measure scores low rather than
// competing with a real, measured link on equal footing.
const fallbackThroughputMbps = 10

// estimateThroughputMbps is a coarse, capped estimate of an interface's
// link speed. Go's net package exposes no portable counter API, so this reads
// the advertised link speed where the platform makes it available and
// otherwise falls back to a conservative default, so an unmeasurable
// interface never outscores one with a real, reported speed.
func estimateThroughputMbps(ifaceName string) float64 {
	if speed, ok := linkSpeedMbps(ifaceName); ok {
		return clamp(speed, 0, 100)
	}
	return fallbackThroughputMbps
}
