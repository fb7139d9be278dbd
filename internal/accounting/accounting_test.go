package accounting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaybroker/ccrelay/internal/kv"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	rl := NewRateLimiter(kv.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "key-1", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow[%d]: %v", i, err)
		}
		if !ok {
			t.Fatalf("Allow[%d] = false, want true", i)
		}
	}

	ok, err := rl.Allow(ctx, "key-1", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("expected 4th request to be refused at limit 3")
	}
}

func TestRateLimiterRemaining(t *testing.T) {
	rl := NewRateLimiter(kv.NewMemoryStore())
	ctx := context.Background()

	if _, err := rl.Allow(ctx, "key-2", 5, time.Minute); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	remaining, err := rl.Remaining(ctx, "key-2", 5, time.Minute)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != 4 {
		t.Fatalf("remaining = %d, want 4", remaining)
	}
}

func TestPriceTableLookupFallsBackToPrefix(t *testing.T) {
	table := NewPriceTable("test")
	table.Set(&ModelPricing{
		ModelID:          "claude-sonnet-4-5",
		InputPriceMicro:  3_000_000,
		OutputPriceMicro: 15_000_000,
	})

	p, ok := table.Lookup("claude-sonnet-4-5-20250514")
	if !ok {
		t.Fatal("expected prefix match for dated model alias")
	}
	if p.InputPriceMicro != 3_000_000 {
		t.Fatalf("InputPriceMicro = %d, want 3000000", p.InputPriceMicro)
	}

	if _, ok := table.Lookup("totally-unknown-model"); ok {
		t.Fatal("expected no match for unknown model")
	}
}

func TestCalculatorComputesCost(t *testing.T) {
	table := NewPriceTable("test")
	table.Set(&ModelPricing{
		ModelID:              "claude-sonnet-4-5",
		InputPriceMicro:      3_000_000,
		OutputPriceMicro:     15_000_000,
		CacheWritePriceMicro: 3_750_000,
		CacheReadPriceMicro:  300_000,
	})
	calc := NewCalculator(table)

	cost := calc.Calculate("claude-sonnet-4-5", UsageTokens{
		InputTokens:      100_000,
		OutputTokens:     10_000,
		CacheReadTokens:  50_000,
		CacheWriteTokens: 0,
	})
	if cost.InputMicro != 300_000 {
		t.Fatalf("InputMicro = %d, want 300000", cost.InputMicro)
	}
	if cost.OutputMicro != 150_000 {
		t.Fatalf("OutputMicro = %d, want 150000", cost.OutputMicro)
	}
	if cost.CacheReadMicro != 15_000 {
		t.Fatalf("CacheReadMicro = %d, want 15000", cost.CacheReadMicro)
	}
	if cost.TotalMicro() != 465_000 {
		t.Fatalf("TotalMicro = %d, want 465000", cost.TotalMicro())
	}
}

func TestCalculatorUnknownModelPricesZero(t *testing.T) {
	calc := NewCalculator(NewPriceTable("test"))
	cost := calc.Calculate("unknown-model", UsageTokens{InputTokens: 1000})
	if cost.TotalMicro() != 0 {
		t.Fatalf("TotalMicro = %d, want 0 for unpriced model", cost.TotalMicro())
	}
}

type collectingSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *collectingSink) HandleUsage(_ context.Context, record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

func (s *collectingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestManagerDeliversRecordsToSinks(t *testing.T) {
	mgr := NewManager()
	mgr.Start(context.Background())
	defer mgr.Stop()

	sink := &collectingSink{}
	mgr.Register(sink)

	mgr.Publish(context.Background(), Record{APIKeyID: "k1", Model: "claude-sonnet-4-5"})
	mgr.Publish(context.Background(), Record{APIKeyID: "k2", Model: "gpt-5.1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sink.len() == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sink.len() != 2 {
		t.Fatalf("sink received %d records, want 2", sink.len())
	}
}

func TestManagerPanickingSinkDoesNotBlockOthers(t *testing.T) {
	mgr := NewManager()
	mgr.Start(context.Background())
	defer mgr.Stop()

	mgr.Register(panicSink{})
	good := &collectingSink{}
	mgr.Register(good)

	mgr.Publish(context.Background(), Record{APIKeyID: "k1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if good.len() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if good.len() != 1 {
		t.Fatal("expected well-behaved sink to still receive the record")
	}
}

type panicSink struct{}

func (panicSink) HandleUsage(context.Context, Record) { panic("boom") }
