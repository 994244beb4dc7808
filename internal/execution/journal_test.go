package execution

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/plutusfin/plutus/internal/gateway"
)

func buy(qty int64, key string) gateway.Submission {
	return gateway.Submission{Symbol: "AAPL", Side: "buy", Quantity: qty, IdempotencyKey: key}
}

func TestBeginAndAccept(t *testing.T) {
	j := NewJournal()
	seq := j.Begin("o1", buy(10, "o1-0"))

	if got := j.InFlight(); len(got) != 1 || got[0].Seq != seq {
		t.Fatalf("expected one in-flight attempt, got %+v", got)
	}

	j.Accept(seq, gateway.Receipt{ExternalOrderID: "ext1", Status: "filled"})

	attempts := j.ForOrder("o1")
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	a := attempts[0]
	if a.Status != StatusAccepted || a.ExternalOrderID != "ext1" || a.BrokerStatus != "filled" {
		t.Fatalf("unexpected attempt %+v", a)
	}
	if a.Type != gateway.OrderTypeMarket {
		t.Fatalf("expected default market type, got %s", a.Type)
	}
	if a.FinishedAt.IsZero() || a.Latency() < 0 {
		t.Fatalf("expected finished attempt, got %+v", a)
	}
	if len(j.InFlight()) != 0 {
		t.Fatal("expected nothing in flight after accept")
	}
}

func TestFailRecordsReason(t *testing.T) {
	j := NewJournal()
	seq := j.Begin("o2", buy(1, "o2-0"))
	j.Fail(seq, &gateway.ExecutionError{Reason: "broker timeout", Retryable: true})

	a := j.ForOrder("o2")[0]
	if a.Status != StatusFailed || a.Error != "broker timeout" || !a.Retryable {
		t.Fatalf("unexpected failed attempt %+v", a)
	}
	if len(j.Positions()) != 0 {
		t.Fatal("failed attempts should not move positions")
	}
}

func TestCompletionIsFinal(t *testing.T) {
	j := NewJournal()
	seq := j.Begin("o1", buy(1, "o1-0"))
	j.Fail(seq, gateway.Rejected("insufficient funds"))
	j.Accept(seq, gateway.Receipt{ExternalOrderID: "late"})

	if a := j.ForOrder("o1")[0]; a.Status != StatusFailed || a.ExternalOrderID != "" {
		t.Fatalf("expected first completion to stick, got %+v", a)
	}
}

func TestPositionsNetBuysAndSells(t *testing.T) {
	j := NewJournal()
	j.Accept(j.Begin("o1", buy(10, "o1-0")), gateway.Receipt{ExternalOrderID: "a"})
	j.Accept(j.Begin("o2", gateway.Submission{Symbol: "AAPL", Side: "sell", Quantity: 4}), gateway.Receipt{ExternalOrderID: "b"})

	pos := j.Positions()["AAPL"]
	if pos.NetQuantity != 6 || pos.TotalOrders != 2 {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestRecentMostRecentFirst(t *testing.T) {
	j := NewJournal()
	for _, key := range []string{"a", "b", "c"} {
		j.Begin("", buy(1, key))
	}
	recent := j.Recent(2)
	if len(recent) != 2 || recent[0].IdempotencyKey != "c" || recent[1].IdempotencyKey != "b" {
		t.Fatalf("unexpected recent attempts %+v", recent)
	}
	if len(j.Recent(0)) != 3 {
		t.Fatal("expected limit 0 to return all attempts")
	}
	if c := j.Counts(); c[StatusInFlight] != 3 {
		t.Fatalf("expected 3 in flight, got %v", c)
	}
}

func TestOnFinishCallback(t *testing.T) {
	j := NewJournal()
	var calls atomic.Int32
	j.OnFinish = func(a Attempt) {
		calls.Add(1)
		// Reading the journal from the callback must not deadlock.
		_ = j.Counts()
	}
	j.Accept(j.Begin("o1", buy(1, "k1")), gateway.Receipt{})
	j.Fail(j.Begin("o2", buy(1, "k2")), gateway.Rejected("no"))

	if calls.Load() != 2 {
		t.Fatalf("expected 2 callbacks, got %d", calls.Load())
	}
}

func TestConcurrentAttempts(t *testing.T) {
	j := NewJournal()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq := j.Begin("", buy(1, ""))
			j.Accept(seq, gateway.Receipt{})
		}()
	}
	wg.Wait()

	if c := j.Counts(); c[StatusAccepted] != 32 {
		t.Fatalf("expected 32 accepted, got %v", c)
	}
	if pos := j.Positions()["AAPL"]; pos.NetQuantity != 32 {
		t.Fatalf("expected net 32, got %d", pos.NetQuantity)
	}
}
