package loopguard

import (
	"testing"
	"time"

	"triologue-gateway/internal/domain"
)

func elevatedAgent(id string) domain.Agent {
	return domain.Agent{PrincipalID: id, TrustLevel: domain.TrustElevated}
}

func TestAllow_HumanSenderAlwaysAllowed(t *testing.T) {
	g := New()
	target := domain.Agent{PrincipalID: "bot-1", TrustLevel: domain.TrustStandard}
	if !g.Allow("human-1", domain.SenderHuman, target) {
		t.Fatal("human sender should never be loop-guarded")
	}
}

func TestAllow_StandardTrustRejectsAISender(t *testing.T) {
	g := New()
	target := domain.Agent{PrincipalID: "bot-1", TrustLevel: domain.TrustStandard}
	if g.Allow("bot-2", domain.SenderAI, target) {
		t.Fatal("standard trust level must not receive AI-authored messages")
	}
}

func TestAllow_RejectsSelf(t *testing.T) {
	g := New()
	target := elevatedAgent("bot-1")
	if g.Allow("bot-1", domain.SenderAI, target) {
		t.Fatal("an agent must not be allowed to loop with itself")
	}
}

func TestAllow_CooldownBlocksRapidRepeat(t *testing.T) {
	g := New()
	target := elevatedAgent("bot-1")

	if !g.Allow("bot-2", domain.SenderAI, target) {
		t.Fatal("first exchange in a pair should be allowed")
	}
	if g.Allow("bot-2", domain.SenderAI, target) {
		t.Fatal("immediate repeat within the cooldown window should be blocked")
	}
}

func TestAllow_RateCapBlocksAfterFiveWithinWindow(t *testing.T) {
	g := New()
	target := elevatedAgent("bot-1")
	key := pairKey("bot-2", target.PrincipalID)

	g.mu.Lock()
	g.pairs[key] = &pairState{windowStart: time.Now(), count: rateCap}
	g.mu.Unlock()

	if g.Allow("bot-2", domain.SenderAI, target) {
		t.Fatal("exchange count at the rate cap should be blocked")
	}
}

func TestPairKey_OrderIndependent(t *testing.T) {
	if pairKey("a", "b") != pairKey("b", "a") {
		t.Fatal("pairKey must be symmetric so either sender order hits the same bucket")
	}
}

func TestSweep_DropsStalePairs(t *testing.T) {
	g := New()
	key := pairKey("bot-2", "bot-1")
	g.pairs[key] = &pairState{}

	g.Sweep()

	g.mu.Lock()
	_, exists := g.pairs[key]
	g.mu.Unlock()
	if exists {
		t.Fatal("a pair whose window and last exchange are both zero should be swept as stale")
	}
}

func TestRecord_IgnoresHumanSender(t *testing.T) {
	g := New()
	target := elevatedAgent("bot-1")
	g.Record("human-1", domain.SenderHuman, target)

	key := pairKey("human-1", target.PrincipalID)
	g.mu.Lock()
	_, exists := g.pairs[key]
	g.mu.Unlock()
	if exists {
		t.Fatal("recording a human-authored exchange should not create pair state")
	}
}

func TestRecord_ThenAllow_BlocksWithinCooldown(t *testing.T) {
	g := New()
	target := elevatedAgent("bot-1")

	g.Record("bot-2", domain.SenderAI, target)

	if g.Allow("bot-2", domain.SenderAI, target) {
		t.Fatal("a mention-bypassed exchange must still start the cooldown for a later non-mention reply")
	}
}

func TestSweep_KeepsRecentPairs(t *testing.T) {
	g := New()
	target := elevatedAgent("bot-1")
	g.Allow("bot-2", domain.SenderAI, target)

	g.Sweep()

	key := pairKey("bot-2", target.PrincipalID)
	g.mu.Lock()
	_, exists := g.pairs[key]
	g.mu.Unlock()
	if !exists {
		t.Fatal("a pair with a recent exchange must not be swept")
	}
}
