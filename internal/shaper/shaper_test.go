package shaper

import "testing"

func TestDisabledShaperHasZeroEffect(t *testing.T) {
	s := New()
	for i := 0; i < 100; i++ {
		if !s.ShouldSend("eth0") {
			t.Fatalf("disabled shaper must never drop")
		}
		if d := s.Delay("eth0"); d != 0 {
			t.Fatalf("disabled shaper must add no delay, got %v", d)
		}
	}
}

func TestKillLinkAlwaysDrops(t *testing.T) {
	s := New()
	s.Kill("eth0")
	for i := 0; i < 20; i++ {
		if s.ShouldSend("eth0") {
			t.Fatalf("killed link must never send")
		}
	}
	if d := s.Delay("eth0"); d < killDelay {
		t.Fatalf("killed link delay should be long, got %v", d)
	}
}

func TestPerInterfaceOverridesGlobal(t *testing.T) {
	s := New()
	s.SetGlobal(Profile{Enabled: true, PacketLoss: 1.0})
	s.SetInterface("eth0", Profile{Enabled: true, PacketLoss: 0})

	for i := 0; i < 20; i++ {
		if !s.ShouldSend("eth0") {
			t.Fatalf("per-interface override should have zero loss on eth0")
		}
		if s.ShouldSend("wlan0") {
			t.Fatalf("global profile should still drop everything on wlan0")
		}
	}
}

func TestRestoreClearsKillButKeepsLossConfig(t *testing.T) {
	s := New()
	s.SetInterface("eth0", Profile{Enabled: true, PacketLoss: 1.0})
	s.Kill("eth0")
	if s.ShouldSend("eth0") {
		t.Fatalf("expected killed link to drop")
	}

	s.Restore("eth0")
	if s.ShouldSend("eth0") {
		t.Fatalf("expected packet_loss=1.0 to still drop after restore")
	}
}

func TestResetReturnsToDisabled(t *testing.T) {
	s := New()
	s.Kill("eth0")
	s.Reset("eth0")
	if !s.ShouldSend("eth0") {
		t.Fatalf("expected reset interface to behave as disabled")
	}
}

func TestDelayClampsNonNegative(t *testing.T) {
	s := New()
	s.SetGlobal(Profile{Enabled: true, LatencyMs: 5, JitterMs: 100})
	for i := 0; i < 200; i++ {
		if d := s.Delay("eth0"); d < 0 {
			t.Fatalf("delay must never be negative, got %v", d)
		}
	}
}
