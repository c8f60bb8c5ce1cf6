// Package linkscore enumerates local network interfaces, periodically
// probes each one, and derives a composite 0..1 quality score the transfer
// engine uses to pick its sending interface.
package linkscore

import (
	"context"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/coldrelay/linksync/internal/chunkmodel"
	"github.com/coldrelay/linksync/internal/config"
	"github.com/coldrelay/linksync/internal/observability"
)

// probeTarget is the well-known reachable endpoint probed for RTT/loss
// samples.
const probeTarget = "8.8.8.8:53"

const probeHz = 10

// Scorer periodically rescans local interfaces and exposes their derived
// link metrics and composite scores.
type Scorer struct {
	cfg     *config.Config
	weights config.ScoreWeights
	log     *observability.Logger

	mu       sync.RWMutex
	metrics  map[string]*chunkmodel.LinkMetric
	warned   map[string]bool

	probeFunc func(ctx context.Context, localAddr string, duration time.Duration) (rttSamples []float64, sent, received int)
}

// New creates a Scorer using the configured scan interval/duration and
// default score weights.
func New(cfg *config.Config, log *observability.Logger) *Scorer {
	s := &Scorer{
		cfg:     cfg,
		weights: config.DefaultScoreWeights(),
		log:     log,
		metrics: make(map[string]*chunkmodel.LinkMetric),
		warned:  make(map[string]bool),
	}
	s.probeFunc = s.probeUDP
	return s
}

// Run blocks, rescanning on cfg.ScanInterval until ctx is cancelled. Call
// it from its own goroutine.
func (s *Scorer) Run(ctx context.Context) {
	s.scanOnce(ctx)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

// scanOnce probes every eligible local interface and updates their scores.
func (s *Scorer) scanOnce(ctx context.Context) {
	ifaces, err := eligibleInterfaces()
	if err != nil {
		if s.log != nil {
			s.log.Warn("linkscore: enumerate interfaces: " + err.Error())
		}
		return
	}

	var wg sync.WaitGroup
	for _, ni := range ifaces {
		ni := ni
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.probeInterface(ctx, ni)
		}()
	}
	wg.Wait()
}

type namedInterface struct {
	name string
	addr string
}

// eligibleInterfaces returns operational, non-loopback interfaces carrying
// an IPv4 address.
func eligibleInterfaces() ([]namedInterface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []namedInterface
	for _, ifc := range ifs {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			out = append(out, namedInterface{name: ifc.Name, addr: ip4.String()})
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func (s *Scorer) probeInterface(ctx context.Context, ni namedInterface) {
	samples, sent, received := s.probeFunc(ctx, ni.addr, s.cfg.ScanDuration)

	if sent == 0 || (sent > 0 && received == 0 && len(samples) == 0) {
		s.onProbeFailure(ni)
		return
	}

	rttMs := mean(samples)
	jitterMs := stdev(samples, rttMs)
	loss := 1 - float64(received)/float64(sent)
	throughput := estimateThroughputMbps(ni.name)
	stability := clamp(1-jitterMs/100-loss, 0, 1)

	score := s.compositeScore(throughput, rttMs, loss, stability)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.warned, ni.name)
	s.metrics[ni.name] = &chunkmodel.LinkMetric{
		Name:           ni.name,
		Address:        ni.addr,
		ThroughputMbps: throughput,
		RTTMs:          rttMs,
		PacketLoss:     loss,
		JitterMs:       jitterMs,
		StabilityScore: stability,
		LinkScore:      score,
		IsActive:       true,
		LastUpdated:    time.Now().UTC(),
	}
}

// onProbeFailure retains the previous metric (if any) or seeds a
// conservative default so the engine can still make progress during CI or
// offline demos, deduplicating the warning per interface.
func (s *Scorer) onProbeFailure(ni namedInterface) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.warned[ni.name] {
		s.warned[ni.name] = true
		if s.log != nil {
			s.log.WithInterface(ni.name).Warn("linkscore: probe failed, retaining previous metric")
		}
	}

	if _, ok := s.metrics[ni.name]; ok {
		return
	}
	s.metrics[ni.name] = &chunkmodel.LinkMetric{
		Name:           ni.name,
		Address:        ni.addr,
		ThroughputMbps: 10,
		RTTMs:          100,
		PacketLoss:     0.1,
		JitterMs:       10,
		StabilityScore: 0.7,
		LinkScore:      0.2,
		IsActive:       true,
		LastUpdated:    time.Now().UTC(),
	}
}

// compositeScore combines the normalized terms with the configured
// weights.
func (s *Scorer) compositeScore(throughputMbps, rttMs, loss, stability float64) float64 {
	throughputNorm := clamp(throughputMbps/100, 0, 1)
	rttNorm := clamp(1-rttMs/200, 0, 1)
	lossNorm := clamp(1-loss, 0, 1)

	return throughputNorm*s.weights.Throughput +
		rttNorm*s.weights.RTT +
		lossNorm*s.weights.Loss +
		stability*s.weights.Stability
}

// Seed injects a known-good metric for a named interface directly,
// bypassing the probe loop. It exists for callers (tests, and offline/CI
// demos without real multi-homed networking) that need a deterministic
// BestLink() without depending on host network conditions.
func (s *Scorer) Seed(name, addr string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[name] = &chunkmodel.LinkMetric{
		Name:        name,
		Address:     addr,
		LinkScore:   score,
		IsActive:    true,
		LastUpdated: time.Now().UTC(),
	}
}

// ScanNow runs one probe pass synchronously, for callers (like the
// transfer engine) that need a fresher reading than the next ticker tick
// when BestLink finds no active interface at all.
func (s *Scorer) ScanNow(ctx context.Context) {
	s.scanOnce(ctx)
}

// AddressFor returns the local IPv4 address last observed for a named
// interface, so a caller can bind a socket to it.
func (s *Scorer) AddressFor(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[name]
	if !ok {
		return "", false
	}
	return m.Address, true
}

// Metrics returns a snapshot of every scored interface.
func (s *Scorer) Metrics() []*chunkmodel.LinkMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*chunkmodel.LinkMetric, 0, len(s.metrics))
	for _, m := range s.metrics {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BestLink returns the highest-scoring interface with score >=
// cfg.MinLinkScore, falling back to any active interface if none clear the
// threshold, else ("", false).
func (s *Scorer) BestLink() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *chunkmodel.LinkMetric
	var anyActive *chunkmodel.LinkMetric
	for _, m := range s.metrics {
		if !m.IsActive {
			continue
		}
		if anyActive == nil {
			anyActive = m
		}
		if m.LinkScore >= s.cfg.MinLinkScore && (best == nil || m.LinkScore > best.LinkScore) {
			best = m
		}
	}
	if best != nil {
		return best.Name, true
	}
	if anyActive != nil {
		return anyActive.Name, true
	}
	return "", false
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
