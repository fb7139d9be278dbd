package account

import (
	"context"
	"testing"
	"time"

	"github.com/relaybroker/ccrelay/internal/crypto"
	"github.com/relaybroker/ccrelay/internal/kv"
)

func newTestStore() kv.Store {
	return kv.NewMemoryStore()
}

func TestRepositoryCreateAndGet(t *testing.T) {
	repo := NewRepository(newTestStore())
	ctx := context.Background()

	a := &Account{
		ID:       "acc-1",
		Provider: "claude-oauth",
		Envelope: &crypto.Envelope{Version: 1, IV: "aa==", Ciphertext: "bb=="},
		OutboundProxy: &ProxyConfig{
			Scheme: "socks5",
			Host:   "proxy.internal",
			Port:   1080,
		},
		Priority:    5,
		GroupID:     "grp-1",
		ModelPrefix: "claude-",
	}

	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Provider != a.Provider || got.Priority != a.Priority || got.GroupID != a.GroupID {
		t.Fatalf("Get roundtrip mismatch: %+v", got)
	}
	if got.Envelope == nil || got.Envelope.Version != 1 || got.Envelope.IV != "aa==" {
		t.Fatalf("envelope not persisted: %+v", got.Envelope)
	}
	if got.OutboundProxy == nil || got.OutboundProxy.Host != "proxy.internal" || got.OutboundProxy.Port != 1080 {
		t.Fatalf("proxy config not persisted: %+v", got.OutboundProxy)
	}
	if got.State != StateActive {
		t.Fatalf("expected default state active, got %q", got.State)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("expected CreatedAt/UpdatedAt to be stamped")
	}
}

func TestRepositoryGetSnapshotOmitsEnvelope(t *testing.T) {
	repo := NewRepository(newTestStore())
	ctx := context.Background()

	a := &Account{ID: "acc-2", Provider: "gemini", Envelope: &crypto.Envelope{Version: 1, IV: "x", Ciphertext: "y"}}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap, err := repo.GetSnapshot(ctx, "acc-2")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.ID != "acc-2" || snap.Provider != "gemini" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRepositoryUpdateStateAndCooldown(t *testing.T) {
	repo := NewRepository(newTestStore())
	ctx := context.Background()

	if err := repo.Create(ctx, &Account{ID: "acc-3", Provider: "claude-oauth"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cooldown := time.Now().Add(30 * time.Second)
	if err := repo.UpdateState(ctx, "acc-3", StateRateLimited, cooldown, "429 from upstream"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	snap, err := repo.GetSnapshot(ctx, "acc-3")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.State != StateRateLimited {
		t.Fatalf("state = %q, want rate-limited", snap.State)
	}
	if snap.LastError != "429 from upstream" {
		t.Fatalf("last error = %q", snap.LastError)
	}
	if snap.Usable(time.Now()) {
		t.Fatal("should not be usable before cooldown elapses")
	}
	if !snap.Usable(cooldown.Add(time.Second)) {
		t.Fatal("should be usable once cooldown elapses")
	}
}

func TestRepositoryUpdateEnvelopeReplacesAllThreeFields(t *testing.T) {
	repo := NewRepository(newTestStore())
	ctx := context.Background()

	if err := repo.Create(ctx, &Account{
		ID:       "acc-4",
		Provider: "claude-oauth",
		Envelope: &crypto.Envelope{Version: 1, IV: "old-iv", Ciphertext: "old-ct"},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.UpdateEnvelope(ctx, "acc-4", 2, "new-iv", "new-ct"); err != nil {
		t.Fatalf("UpdateEnvelope: %v", err)
	}

	got, err := repo.Get(ctx, "acc-4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Envelope.Version != 2 || got.Envelope.IV != "new-iv" || got.Envelope.Ciphertext != "new-ct" {
		t.Fatalf("envelope not fully replaced: %+v", got.Envelope)
	}
}

func TestRepositoryListFiltersByProvider(t *testing.T) {
	repo := NewRepository(newTestStore())
	ctx := context.Background()

	if err := repo.Create(ctx, &Account{ID: "a1", Provider: "claude-oauth"}); err != nil {
		t.Fatalf("Create a1: %v", err)
	}
	if err := repo.Create(ctx, &Account{ID: "a2", Provider: "gemini"}); err != nil {
		t.Fatalf("Create a2: %v", err)
	}
	if err := repo.Create(ctx, &Account{ID: "a3", Provider: "claude-oauth"}); err != nil {
		t.Fatalf("Create a3: %v", err)
	}

	claude, err := repo.List(ctx, "claude-oauth")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(claude) != 2 {
		t.Fatalf("len(claude) = %d, want 2", len(claude))
	}

	all, err := repo.List(ctx, "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
}

func TestRepositoryGroupCRUD(t *testing.T) {
	repo := NewRepository(newTestStore())
	ctx := context.Background()

	g := &Group{ID: "grp-1", Name: "primary pool", MemberAccountIDs: []string{"a1", "a2"}, SelectionPolicy: PolicyLeastLoaded}
	if err := repo.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	got, err := repo.GetGroup(ctx, "grp-1")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if got.Name != "primary pool" || len(got.MemberAccountIDs) != 2 || got.SelectionPolicy != PolicyLeastLoaded {
		t.Fatalf("group roundtrip mismatch: %+v", got)
	}

	groups, err := repo.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("len(groups) = %d, want 1", len(groups))
	}

	if err := repo.DeleteGroup(ctx, "grp-1"); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	if _, err := repo.GetGroup(ctx, "grp-1"); err == nil {
		t.Fatal("expected error after DeleteGroup")
	}
}

func TestRepositoryGetUnknownAccount(t *testing.T) {
	repo := NewRepository(newTestStore())
	if _, err := repo.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown account")
	}
}
