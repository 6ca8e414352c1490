package inspect

import (
	"fmt"
	"testing"

	"oblivion/internal/signature"
)

func TestVerdictCache_GetMissOnEmpty(t *testing.T) {
	c := newVerdictCache(8)
	if _, ok := c.get("/x"); ok {
		t.Error("expected miss on empty cache")
	}
}

func TestVerdictCache_SetThenGetHits(t *testing.T) {
	c := newVerdictCache(8)
	v := Verdict{Blocked: true, Category: signature.SQLi}
	c.set("/x", v)

	got, ok := c.get("/x")
	if !ok || got != v {
		t.Fatalf("expected cached verdict %v, got %v ok=%v", v, got, ok)
	}
}

func TestVerdictCache_UpdateExistingKeyInPlace(t *testing.T) {
	c := newVerdictCache(8)
	c.set("/x", Verdict{Blocked: false})
	c.set("/x", Verdict{Blocked: true, Category: signature.XSS})

	got, ok := c.get("/x")
	if !ok || !got.Blocked || got.Category != signature.XSS {
		t.Fatalf("expected updated verdict, got %v ok=%v", got, ok)
	}
}

func TestVerdictCache_EvictsBeyondCapacity(t *testing.T) {
	c := newVerdictCache(4)
	for i := 0; i < 100; i++ {
		c.set(fmt.Sprintf("/path-%d", i), Verdict{Blocked: i%2 == 0, Category: signature.SQLi})
	}

	total := c.sQueue.Len() + c.mQueue.Len()
	if total > c.capacity {
		t.Errorf("expected resident entries <= capacity %d, got %d", c.capacity, total)
	}
	if len(c.entries) != total {
		t.Errorf("entries map out of sync with queues: %d vs %d", len(c.entries), total)
	}
}

func TestVerdictCache_RepeatedHitSurvivesFreshInserts(t *testing.T) {
	c := newVerdictCache(4)
	want := Verdict{Blocked: true, Category: signature.PathTraversal}
	c.set("/hot", want)

	// Touch it once so it is eligible for promotion to the main queue
	// on its next eviction pass, then push enough fresh keys through to
	// force several eviction cycles.
	c.get("/hot")
	for i := 0; i < 20; i++ {
		c.set(fmt.Sprintf("/filler-%d", i), Verdict{})
	}

	got, ok := c.get("/hot")
	if !ok {
		t.Fatal("expected /hot to survive the filler inserts")
	}
	if got != want {
		t.Errorf("expected surviving /hot entry to keep its verdict, got %v", got)
	}
}

func TestVerdictCache_ClampsSmallCapacity(t *testing.T) {
	c := newVerdictCache(0)
	if c.capacity < 2 {
		t.Errorf("expected capacity clamped to >= 2, got %d", c.capacity)
	}
}
