package arpfsm

import (
	"net"
	"testing"

	"github.com/nkain/ndhc/internal/arpwire"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMS() int64 { return c.ms }

type recordingSender struct{ sent []arpwire.Frame }

func (s *recordingSender) SendARP(f arpwire.Frame) error {
	s.sent = append(s.sent, f)
	return nil
}

func conflictFrame(held net.IP, otherMAC net.HardwareAddr) arpwire.Frame {
	return arpwire.Frame{
		Op:        arpwire.OpReply,
		SenderMAC: otherMAC,
		SenderIP:  held,
		TargetMAC: arpwire.BroadcastMAC,
		TargetIP:  held,
	}
}

// TestDefendCooldown is Property 4: defense only responds to a conflict
// once per DefendInterval; a second conflict inside the window surrenders
// the address instead of re-announcing indefinitely.
func TestDefendCooldown(t *testing.T) {
	clock := &fakeClock{ms: 1_000_000}
	sender := &recordingSender{}
	selfMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	otherMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	held := net.IPv4(192, 168, 1, 50).To4()

	cfg := DefaultConfig()
	m := New(cfg, clock, sender, selfMAC)

	res := m.HandleFrame(conflictFrame(held, otherMAC), held, true)
	if res != ResultNone {
		t.Fatalf("first conflict: got %v, want ResultNone (defended)", res)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one defensive announcement, got %d", len(sender.sent))
	}

	clock.ms += cfg.DefendInterval.Milliseconds() / 2
	res = m.HandleFrame(conflictFrame(held, otherMAC), held, true)
	if res != ResultAddressLost {
		t.Fatalf("conflict inside cooldown: got %v, want ResultAddressLost", res)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("should not have sent a second announcement inside cooldown, got %d sends", len(sender.sent))
	}
}

// TestDefendRearmsAfterCooldown confirms a conflict arriving after the
// cooldown window elapses is defended again rather than surrendered.
func TestDefendRearmsAfterCooldown(t *testing.T) {
	clock := &fakeClock{ms: 1_000_000}
	sender := &recordingSender{}
	selfMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	otherMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	held := net.IPv4(192, 168, 1, 50).To4()

	cfg := DefaultConfig()
	m := New(cfg, clock, sender, selfMAC)

	if res := m.HandleFrame(conflictFrame(held, otherMAC), held, true); res != ResultNone {
		t.Fatalf("first conflict: got %v", res)
	}

	clock.ms += cfg.DefendInterval.Milliseconds() + 1
	res := m.HandleFrame(conflictFrame(held, otherMAC), held, true)
	if res != ResultNone {
		t.Fatalf("conflict after cooldown: got %v, want ResultNone (defended again)", res)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected two defensive announcements, got %d", len(sender.sent))
	}
}

// TestRelentlessDefenseNeverSurrenders covers -d/--relentless-defense:
// every conflict is defended regardless of timing.
func TestRelentlessDefenseNeverSurrenders(t *testing.T) {
	clock := &fakeClock{ms: 1_000_000}
	sender := &recordingSender{}
	selfMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	otherMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	held := net.IPv4(192, 168, 1, 50).To4()

	cfg := DefaultConfig()
	cfg.RelentlessDef = true
	m := New(cfg, clock, sender, selfMAC)

	for i := 0; i < 5; i++ {
		res := m.HandleFrame(conflictFrame(held, otherMAC), held, true)
		if res != ResultNone {
			t.Fatalf("iteration %d: got %v, want ResultNone under relentless defense", i, res)
		}
	}
	if len(sender.sent) != 5 {
		t.Fatalf("expected 5 announcements, got %d", len(sender.sent))
	}
}

// TestCollisionCheckDetectsReply exercises COLLISION_CHECK -> CONFLICT: a
// reply for the candidate address before any probes finish means another
// host already holds it.
func TestCollisionCheckDetectsReply(t *testing.T) {
	clock := &fakeClock{ms: 0}
	sender := &recordingSender{}
	selfMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	otherMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	candidate := net.IPv4(192, 168, 1, 77).To4()

	m := New(DefaultConfig(), clock, sender, selfMAC)
	m.StartCollisionCheck(candidate)

	res := m.HandleFrame(conflictFrame(candidate, otherMAC), nil, false)
	if res != ResultConflict {
		t.Fatalf("got %v, want ResultConflict", res)
	}
	if m.State() != StateNone {
		t.Fatalf("state = %v, want StateNone after conflict", m.State())
	}
}

// TestCollisionCheckDetectsCompetingProbe exercises COLLISION_CHECK ->
// CONFLICT via another host's own probe for the same candidate (sender
// 0.0.0.0, target == candidate), not just a reply or announcement.
func TestCollisionCheckDetectsCompetingProbe(t *testing.T) {
	clock := &fakeClock{ms: 0}
	sender := &recordingSender{}
	selfMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	otherMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	candidate := net.IPv4(192, 168, 1, 77).To4()

	m := New(DefaultConfig(), clock, sender, selfMAC)
	m.StartCollisionCheck(candidate)

	probe := arpwire.Frame{
		Op:        arpwire.OpRequest,
		SenderMAC: otherMAC,
		SenderIP:  net.IPv4zero,
		TargetMAC: arpwire.BroadcastMAC,
		TargetIP:  candidate,
	}
	res := m.HandleFrame(probe, nil, false)
	if res != ResultConflict {
		t.Fatalf("got %v, want ResultConflict", res)
	}
	if m.State() != StateNone {
		t.Fatalf("state = %v, want StateNone after conflict", m.State())
	}
}

// TestGWQueryAndGWCheckExhaustionDiffer covers the spec §4.5 split: GW_QUERY
// running out of pings is non-fatal, but GW_CHECK running out after a
// carrier bounce must be distinguishable so the engine can force INIT.
func TestGWQueryAndGWCheckExhaustionDiffer(t *testing.T) {
	clock := &fakeClock{ms: 0}
	sender := &recordingSender{}
	selfMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	router := net.IPv4(192, 168, 1, 1).To4()

	m := New(DefaultConfig(), clock, sender, selfMAC)
	m.StartGWQuery(router)
	var last Result
	for i := 0; i < 100 && m.State() == StateGWQuery; i++ {
		clock.ms = m.NextWake()
		last = m.Tick()
	}
	if last != ResultGWQueryGone {
		t.Fatalf("GW_QUERY exhaustion = %v, want ResultGWQueryGone", last)
	}

	m2 := New(DefaultConfig(), clock, sender, selfMAC)
	m2.StartGWCheck()
	for i := 0; i < 100 && m2.State() == StateGWCheck; i++ {
		clock.ms = m2.NextWake()
		last = m2.Tick()
	}
	if last != ResultGWCheckGone {
		t.Fatalf("GW_CHECK exhaustion = %v, want ResultGWCheckGone", last)
	}
}

// TestCollisionCheckFreeAfterProbesAndAnnounces drives Tick through every
// probe and announce with no replies, expecting ResultFree.
func TestCollisionCheckFreeAfterProbesAndAnnounces(t *testing.T) {
	clock := &fakeClock{ms: 0}
	sender := &recordingSender{}
	selfMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	candidate := net.IPv4(192, 168, 1, 77).To4()

	cfg := DefaultConfig()
	m := New(cfg, clock, sender, selfMAC)
	m.StartCollisionCheck(candidate)

	var last Result
	for i := 0; i < 100 && m.State() == StateCollisionCheck; i++ {
		clock.ms = m.NextWake()
		last = m.Tick()
	}
	if last != ResultFree {
		t.Fatalf("got %v, want ResultFree", last)
	}
	wantSends := cfg.ProbeNum + cfg.AnnounceNum
	if len(sender.sent) != wantSends {
		t.Fatalf("sent %d frames, want %d", len(sender.sent), wantSends)
	}
}
