package pending

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/types"
)

func testEntry(id string) EntryOrder {
	return EntryOrder{
		OrderID:         id,
		Symbol:          "AAPL",
		Side:            types.SideLong,
		Quantity:        100,
		TrailDistance:   decimal.NewFromInt(2),
		TakeProfitPrice: decimal.NewFromInt(110),
		TradeID:         "trade-" + id,
		NeedsStops:      true,
	}
}

func TestBook_Add(t *testing.T) {
	b := NewBook()

	if err := b.Add(testEntry("1")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := b.Add(testEntry("1")); !errors.Is(err, types.ErrDuplicateOrder) {
		t.Errorf("duplicate Add() error = %v, want ErrDuplicateOrder", err)
	}

	bad := testEntry("2")
	bad.Quantity = 0
	if err := b.Add(bad); !errors.Is(err, types.ErrInvalidOrderSize) {
		t.Errorf("zero quantity Add() error = %v, want ErrInvalidOrderSize", err)
	}

	got, ok := b.Get("1")
	if !ok || got.CreatedAt.IsZero() {
		t.Errorf("Get() = %+v, %v", got, ok)
	}
}

func TestBook_TryClaimOnce(t *testing.T) {
	b := NewBook()
	_ = b.Add(testEntry("1"))

	if _, ok := b.TryClaim("1"); !ok {
		t.Fatal("first claim should win")
	}
	if _, ok := b.TryClaim("1"); ok {
		t.Error("second claim should lose")
	}
	if _, ok := b.TryClaim("missing"); ok {
		t.Error("claim on unknown order should lose")
	}

	got, _ := b.Get("1")
	if !got.StopsPlaced || !got.Settled() {
		t.Errorf("after claim got %+v", got)
	}
}

func TestBook_ReleaseAllowsRetry(t *testing.T) {
	b := NewBook()
	_ = b.Add(testEntry("1"))

	b.TryClaim("1")
	if !b.Release("1") {
		t.Fatal("Release() = false")
	}
	if len(b.Unprotected()) != 1 {
		t.Error("released entry should be unprotected again")
	}
	if _, ok := b.TryClaim("1"); !ok {
		t.Error("claim after release should win")
	}
}

func TestBook_MarkFailed(t *testing.T) {
	b := NewBook()
	_ = b.Add(testEntry("1"))
	_ = b.Add(testEntry("2"))

	if !b.MarkFailed("1") {
		t.Error("MarkFailed() = false")
	}
	if _, ok := b.TryClaim("1"); ok {
		t.Error("failed entry must not be claimable")
	}

	b.TryClaim("2")
	if b.MarkFailed("2") {
		t.Error("claimed entry must not be marked failed")
	}
}

func TestBook_NoStopsNeeded(t *testing.T) {
	b := NewBook()
	e := testEntry("1")
	e.NeedsStops = false
	_ = b.Add(e)

	if _, ok := b.TryClaim("1"); ok {
		t.Error("entry without stops should not be claimable")
	}
	if len(b.Unprotected()) != 0 {
		t.Error("entry without stops should not be unprotected")
	}
}

func TestBook_Archive(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	b := NewBook()
	b.now = func() time.Time { return now }

	_ = b.Add(testEntry("placed"))
	_ = b.Add(testEntry("failed"))
	_ = b.Add(testEntry("open"))
	b.TryClaim("placed")
	b.MarkFailed("failed")

	if got := b.Archive(time.Minute); len(got) != 0 {
		t.Errorf("Archive() too early returned %d entries", len(got))
	}

	now = now.Add(2 * time.Minute)
	got := b.Archive(time.Minute)
	if len(got) != 2 {
		t.Fatalf("Archive() returned %d entries, want 2", len(got))
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
	if _, ok := b.Get("open"); !ok {
		t.Error("open entry must not be archived")
	}
}

func TestBook_UnprotectedOrder(t *testing.T) {
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	b := NewBook()
	for i := 3; i >= 1; i-- {
		e := testEntry(fmt.Sprint(i))
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_ = b.Add(e)
	}

	got := b.Unprotected()
	for i, want := range []string{"1", "2", "3"} {
		if got[i].OrderID != want {
			t.Errorf("Unprotected()[%d] = %s, want %s", i, got[i].OrderID, want)
		}
	}
}

// Many watchers racing on one order: exactly one wins.
func TestBook_ConcurrentClaims(t *testing.T) {
	b := NewBook()
	_ = b.Add(testEntry("1"))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := b.TryClaim("1"); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}
