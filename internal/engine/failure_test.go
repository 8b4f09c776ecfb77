package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tathienbao/exit-engine/internal/alerting"
	"github.com/tathienbao/exit-engine/internal/broker"
	"github.com/tathienbao/exit-engine/internal/monitor"
	"github.com/tathienbao/exit-engine/internal/types"
)

func TestFailure_TransientStopDeferredToSweep(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	var failures atomic.Int32
	h.gw.SubmitHook = func(req broker.OrderRequest) error {
		if req.Type == broker.OrderTypeTrailStop && failures.Add(1) == 1 {
			return broker.ErrRateLimited
		}
		return nil
	}

	ticket, err := h.e.SubmitEntry(context.Background(), longEntry("AAPL"))
	if err != nil {
		t.Fatalf("SubmitEntry() error = %v", err)
	}
	res := <-ticket.Done
	if res.Outcome != monitor.OutcomeFilled || !res.Protection.Released {
		t.Fatalf("monitor result = %+v", res)
	}
	if _, ok := h.e.PositionStatus("AAPL"); ok {
		t.Fatal("no position until the stop is placed")
	}
	if tp := h.gw.Submitted(broker.OrderTypeLimit); len(tp) != 1 || tp[0].Status != types.OrderStatusCancelled {
		t.Errorf("take-profit should be withdrawn: %+v", tp)
	}

	rep, err := h.e.sweep.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if rep.Repaired != 1 {
		t.Errorf("repaired = %d, want 1", rep.Repaired)
	}
	if _, ok := h.e.PositionStatus("AAPL"); !ok {
		t.Error("sweep should protect the fill")
	}
}

func TestFailure_EntryRejectedFreesSymbol(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	req := longEntry("AAPL")
	req.Type = broker.OrderTypeLimit
	req.LimitPrice = d(95)

	ticket, err := h.e.SubmitEntry(context.Background(), req)
	if err != nil {
		t.Fatalf("SubmitEntry() error = %v", err)
	}
	h.gw.SetStatus(ticket.OrderID, types.OrderStatusRejected, 0, d(0))

	select {
	case res := <-ticket.Done:
		if res.Outcome != monitor.OutcomeEntryFailed {
			t.Fatalf("outcome = %s, want entry failed", res.Outcome)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fill monitor did not finish")
	}

	h.open(t, longEntry("AAPL"))
}

func TestFailure_ScaleOutRejectedIsRetried(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.open(t, longEntry("AAPL"))

	h.feed.push(bar("AAPL", 0, 100.5, 99.5, 100))
	h.e.Tick(context.Background())

	h.gw.SubmitHook = func(req broker.OrderRequest) error {
		if req.Type == broker.OrderTypeMarket {
			return broker.ErrOrderRejected
		}
		return nil
	}
	h.feed.push(bar("AAPL", 1, 103.5, 100.5, 103.2))
	h.e.Tick(context.Background())

	pos, _ := h.e.registry.Get("AAPL")
	if pos.RemainingQuantity != 100 || pos.ScaleOut.T1Executed {
		t.Fatalf("failed tranche must not be applied: %+v", pos.ScaleOut)
	}
	if !pos.LastBarTime.Equal(bar("AAPL", 1, 0, 0, 0).Timestamp) {
		t.Errorf("LastBarTime = %s, want the rejected bar", pos.LastBarTime)
	}
	if pos.BarsInFavor != 1 {
		t.Errorf("BarsInFavor = %d, want 1", pos.BarsInFavor)
	}
	if n := len(h.gw.Submitted(broker.OrderTypeTrailStop)); n != 1 {
		t.Errorf("legs must stay untouched, trailing stops = %d", n)
	}
	if !h.alerter.HasEvent(alerting.EventScaleOutFailed) {
		t.Error("expected scale_out_failed alert")
	}

	// The same bar is not evaluated twice.
	h.gw.SubmitHook = nil
	h.gw.MarketFillPrice = d(103)
	h.e.Tick(context.Background())
	if pos, _ = h.e.registry.Get("AAPL"); pos.ScaleOut.T1Executed {
		t.Fatal("T1 sold without a new bar")
	}

	h.feed.push(bar("AAPL", 2, 103.8, 102.5, 103.5))
	h.e.Tick(context.Background())

	pos, _ = h.e.registry.Get("AAPL")
	if pos.RemainingQuantity != 70 || !pos.ScaleOut.T1Executed {
		t.Errorf("retry: remaining = %d, scale-out = %+v", pos.RemainingQuantity, pos.ScaleOut)
	}
	stops := h.gw.Submitted(broker.OrderTypeTrailStop)
	if last := stops[len(stops)-1]; last.Quantity != 70 {
		t.Errorf("stop quantity = %d, want 70", last.Quantity)
	}
}

func TestFailure_SecondTrancheRejectedResizesLegs(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.open(t, longEntry("AAPL"))

	h.feed.push(bar("AAPL", 0, 100.5, 99.5, 100))
	h.e.Tick(context.Background())

	h.gw.MarketFillPrice = d(105)
	h.gw.SubmitHook = func(req broker.OrderRequest) error {
		if req.Type == broker.OrderTypeMarket && req.Quantity == 40 {
			return broker.ErrOrderRejected
		}
		return nil
	}
	h.feed.push(bar("AAPL", 1, 105.5, 100.5, 105))
	h.e.Tick(context.Background())

	pos, ok := h.e.registry.Get("AAPL")
	if !ok {
		t.Fatal("position closed after T1")
	}
	if pos.RemainingQuantity != 70 || !pos.ScaleOut.T1Executed || pos.ScaleOut.T2Executed {
		t.Fatalf("remaining = %d, scale-out = %+v", pos.RemainingQuantity, pos.ScaleOut)
	}
	if !pos.LastBarTime.Equal(bar("AAPL", 1, 0, 0, 0).Timestamp) {
		t.Errorf("LastBarTime = %s, want bar 1", pos.LastBarTime)
	}

	stops := h.gw.Submitted(broker.OrderTypeTrailStop)
	if last := stops[len(stops)-1]; last.Quantity != 70 || pos.StopOrderID != last.OrderID {
		t.Errorf("stop = %+v, position leg = %s", last, pos.StopOrderID)
	}
	tps := h.gw.Submitted(broker.OrderTypeLimit)
	if last := tps[len(tps)-1]; last.Quantity != 70 {
		t.Errorf("take-profit quantity = %d, want 70", last.Quantity)
	}
	if !h.alerter.HasEvent(alerting.EventScaleOutFailed) {
		t.Error("expected scale_out_failed alert")
	}
}

func TestFailure_StopAfterRejectedTrancheCloses(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.open(t, longEntry("AAPL"))

	h.feed.push(bar("AAPL", 0, 100.5, 99.5, 100))
	h.e.Tick(context.Background())

	h.gw.MarketFillPrice = d(105)
	h.gw.SubmitHook = func(req broker.OrderRequest) error {
		if req.Type == broker.OrderTypeMarket && req.Quantity == 40 {
			return broker.ErrOrderRejected
		}
		return nil
	}
	h.feed.push(bar("AAPL", 1, 105.5, 100.5, 105))
	h.e.Tick(context.Background())

	h.gw.MarketFillPrice = d(97)
	h.feed.push(bar("AAPL", 2, 101, 96, 97))
	h.e.Tick(context.Background())

	if _, ok := h.e.PositionStatus("AAPL"); ok {
		t.Fatal("stop touch should close the position")
	}
	trades := h.e.takeClosed()
	if len(trades) != 1 || trades[0].ExitReason != ReasonStop {
		t.Errorf("trades = %+v", trades)
	}
}

func TestFailure_LegQueryErrorSkipsTick(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.open(t, longEntry("AAPL"))
	h.feed.push(bar("AAPL", 0, 100.5, 99.5, 100))

	h.gw.FailNextGets(1, broker.ErrConnectionTimeout)
	h.e.Tick(context.Background())

	pos, ok := h.e.registry.Get("AAPL")
	if !ok {
		t.Fatal("position must survive a failed leg query")
	}
	if !pos.LastBarTime.IsZero() {
		t.Error("bars should not be evaluated when the legs could not be checked")
	}

	h.e.Tick(context.Background())
	if pos, _ := h.e.registry.Get("AAPL"); pos.LastBarTime.IsZero() {
		t.Error("next tick should evaluate normally")
	}
}

func TestFailure_LegFilledDuringResize(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	pos := h.open(t, longEntry("AAPL"))

	h.feed.push(bar("AAPL", 0, 100.5, 99.5, 100))
	h.e.Tick(context.Background())

	h.gw.MarketFillPrice = d(103)
	h.gw.SubmitHook = func(req broker.OrderRequest) error {
		if req.Type == broker.OrderTypeMarket {
			h.gw.SetStatus(pos.TakeProfitOrderID, types.OrderStatusFilled, 100, d(110))
		}
		return nil
	}
	h.feed.push(bar("AAPL", 1, 103.5, 100.5, 103.2))
	h.e.Tick(context.Background())

	if n := len(h.gw.Submitted(broker.OrderTypeTrailStop)); n != 1 {
		t.Errorf("no new legs once a leg is final, trailing stops = %d", n)
	}

	h.gw.SubmitHook = nil
	h.e.Tick(context.Background())

	if _, ok := h.e.PositionStatus("AAPL"); ok {
		t.Fatal("filled take-profit should close the position")
	}
	trades := h.e.takeClosed()
	if len(trades) != 1 || trades[0].ExitReason != ReasonTarget {
		t.Errorf("trades = %+v", trades)
	}
}

func TestFailure_CancelledEngineContext(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.open(t, longEntry("AAPL"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.e.Tick(ctx)

	if _, ok := h.e.PositionStatus("AAPL"); !ok {
		t.Error("cancelled tick must leave positions alone")
	}
	if err := h.e.Stop(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Stop() error = %v", err)
	}
}
