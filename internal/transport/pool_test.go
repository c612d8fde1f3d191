package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/martinsuchenak/vnetd/internal/model"
)

// memLinkStore is an in-memory LinkStore with failure injection
type memLinkStore struct {
	mu          sync.Mutex
	links       map[string]model.TransportLink
	bindings    map[string]model.PortBinding
	failSave    error
	failBinding error
	failDelete  error
}

func newMemLinkStore() *memLinkStore {
	return &memLinkStore{
		links:    make(map[string]model.TransportLink),
		bindings: make(map[string]model.PortBinding),
	}
}

func (m *memLinkStore) SaveLink(ctx context.Context, link *model.TransportLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	m.links[link.NetworkID] = *link
	return nil
}

func (m *memLinkStore) DeleteLink(ctx context.Context, networkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return m.failDelete
	}
	delete(m.links, networkID)
	for k, b := range m.bindings {
		if b.NetworkID == networkID {
			delete(m.bindings, k)
		}
	}
	return nil
}

func (m *memLinkStore) ListLinks(ctx context.Context) ([]model.TransportLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	links := make([]model.TransportLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	return links, nil
}

func (m *memLinkStore) SaveBinding(ctx context.Context, b *model.PortBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBinding != nil {
		return m.failBinding
	}
	m.bindings[b.NetworkID+"/"+b.PortID] = *b
	return nil
}

func (m *memLinkStore) DeleteBinding(ctx context.Context, networkID, portID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, networkID+"/"+portID)
	return nil
}

func (m *memLinkStore) ListBindings(ctx context.Context, networkID string) ([]model.PortBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PortBinding
	for _, b := range m.bindings {
		if networkID == "" || b.NetworkID == networkID {
			out = append(out, b)
		}
	}
	return out, nil
}

func setupTestPool(t *testing.T, cfg Config) (*Pool, *memLinkStore) {
	t.Helper()

	store := newMemLinkStore()
	pool, err := NewPool(cfg, store)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	return pool, store
}

func TestNewPool_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"Defaults", Config{}, false},
		{"Custom", Config{AddressSpace: "172.16.0.0/24", BlockPrefix: 29, PortStart: 4000, PortEnd: 4099, BindingsPerLink: 4}, false},
		{"Invalid CIDR", Config{AddressSpace: "not-a-cidr"}, true},
		{"IPv6", Config{AddressSpace: "fd00::/64"}, true},
		{"Block larger than space", Config{AddressSpace: "10.0.0.0/24", BlockPrefix: 16}, true},
		{"Block too small", Config{AddressSpace: "10.0.0.0/24", BlockPrefix: 31}, true},
		{"Inverted port range", Config{PortStart: 5000, PortEnd: 4000}, true},
		{"Port range smaller than a window", Config{PortStart: 5000, PortEnd: 5003, BindingsPerLink: 4}, true},
		{"Negative bindings", Config{BindingsPerLink: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool(tt.cfg, newMemLinkStore())
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPool() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPool_AllocateLink(t *testing.T) {
	pool, store := setupTestPool(t, Config{AddressSpace: "10.1.0.0/24", BlockPrefix: 30, PortStart: 10000, PortEnd: 10999, BindingsPerLink: 4})
	ctx := context.Background()

	first, err := pool.AllocateLink(ctx, "net-1")
	if err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}
	if first.CIDR != "10.1.0.0/30" || first.Left != "10.1.0.1" || first.Right != "10.1.0.2" || first.Port != 10000 {
		t.Errorf("Unexpected first link: %+v", first)
	}

	second, err := pool.AllocateLink(ctx, "net-2")
	if err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}
	if second.CIDR != "10.1.0.4/30" || second.Port != 10008 {
		t.Errorf("Unexpected second link: %+v", second)
	}

	if _, ok := store.links["net-1"]; !ok {
		t.Error("Expected link to be persisted")
	}

	if _, err := pool.AllocateLink(ctx, "net-1"); !errors.Is(err, ErrLinkExists) {
		t.Errorf("Expected ErrLinkExists, got %v", err)
	}
}

func TestPool_AllocateLink_Exhausted(t *testing.T) {
	pool, _ := setupTestPool(t, Config{AddressSpace: "10.1.0.0/29", BlockPrefix: 30, PortStart: 10000, PortEnd: 10999, BindingsPerLink: 4})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := pool.AllocateLink(ctx, fmt.Sprintf("net-%d", i)); err != nil {
			t.Fatalf("AllocateLink() error = %v", err)
		}
	}

	if _, err := pool.AllocateLink(ctx, "net-overflow"); !errors.Is(err, model.ErrResourceExhausted) {
		t.Errorf("Expected ErrResourceExhausted, got %v", err)
	}
}

func TestPool_AllocateLink_PortWindowsExhausted(t *testing.T) {
	pool, _ := setupTestPool(t, Config{AddressSpace: "10.1.0.0/24", BlockPrefix: 30, PortStart: 10000, PortEnd: 10007, BindingsPerLink: 4})
	ctx := context.Background()

	if _, err := pool.AllocateLink(ctx, "net-1"); err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}
	if _, err := pool.AllocateLink(ctx, "net-2"); !errors.Is(err, model.ErrResourceExhausted) {
		t.Errorf("Expected ErrResourceExhausted, got %v", err)
	}
}

func TestPool_AllocateLink_SaveFailure(t *testing.T) {
	pool, store := setupTestPool(t, Config{})
	store.failSave = errors.New("disk full")

	if _, err := pool.AllocateLink(context.Background(), "net-1"); err == nil {
		t.Fatal("Expected error when link cannot be saved")
	}

	if _, err := pool.GetLink("net-1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected no link after failed save, got %v", err)
	}
	if stats := pool.Stats(); stats.BlocksUsed != 0 || stats.WindowsUsed != 0 {
		t.Errorf("Expected nothing reserved after failed save, got %+v", stats)
	}
}

func TestPool_ReleaseLink(t *testing.T) {
	pool, store := setupTestPool(t, Config{})
	ctx := context.Background()

	link, err := pool.AllocateLink(ctx, "net-1")
	if err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}

	if err := pool.ReleaseLink(ctx, "net-1"); err != nil {
		t.Fatalf("ReleaseLink() error = %v", err)
	}
	if _, err := pool.GetLink("net-1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after release, got %v", err)
	}
	if len(store.links) != 0 {
		t.Error("Expected link record to be deleted")
	}

	// Released block and window are reused
	again, err := pool.AllocateLink(ctx, "net-2")
	if err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}
	if again.CIDR != link.CIDR || again.Port != link.Port {
		t.Errorf("Expected released link to be reused, got %+v", again)
	}

	if err := pool.ReleaseLink(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing link, got %v", err)
	}
}

func TestPool_ReleaseLink_DeleteFailure(t *testing.T) {
	pool, store := setupTestPool(t, Config{})
	ctx := context.Background()

	if _, err := pool.AllocateLink(ctx, "net-1"); err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}
	store.failDelete = errors.New("db locked")

	if err := pool.ReleaseLink(ctx, "net-1"); err == nil {
		t.Fatal("Expected error when link cannot be deleted")
	}
	if _, err := pool.GetLink("net-1"); err != nil {
		t.Errorf("Expected link to stay leased after failed release, got %v", err)
	}
}

func TestPool_Bindings(t *testing.T) {
	pool, _ := setupTestPool(t, Config{PortStart: 30000, PortEnd: 30999, BindingsPerLink: 2})
	ctx := context.Background()

	link, err := pool.AllocateLink(ctx, "net-1")
	if err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}

	b1, err := pool.AllocateBinding(ctx, "net-1", "port-1")
	if err != nil {
		t.Fatalf("AllocateBinding() error = %v", err)
	}
	if b1.SrcAddress != link.Left || b1.DstAddress != link.Right {
		t.Errorf("Expected binding to use link endpoints, got %+v", b1)
	}
	if b1.SrcPort != 30000 || b1.DstPort != 30001 {
		t.Errorf("Unexpected first binding ports: %+v", b1)
	}

	again, err := pool.AllocateBinding(ctx, "net-1", "port-1")
	if err != nil {
		t.Fatalf("AllocateBinding() repeat error = %v", err)
	}
	if *again != *b1 {
		t.Errorf("Expected same binding for same port, got %+v", again)
	}

	b2, err := pool.AllocateBinding(ctx, "net-1", "port-2")
	if err != nil {
		t.Fatalf("AllocateBinding() error = %v", err)
	}
	if b2.SrcPort != 30002 || b2.DstPort != 30003 {
		t.Errorf("Unexpected second binding ports: %+v", b2)
	}

	if _, err := pool.AllocateBinding(ctx, "net-1", "port-3"); !errors.Is(err, model.ErrResourceExhausted) {
		t.Errorf("Expected ErrResourceExhausted, got %v", err)
	}

	if err := pool.ReleaseBinding(ctx, "net-1", "port-1"); err != nil {
		t.Fatalf("ReleaseBinding() error = %v", err)
	}
	if _, err := pool.GetBinding("net-1", "port-1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after release, got %v", err)
	}

	b3, err := pool.AllocateBinding(ctx, "net-1", "port-3")
	if err != nil {
		t.Fatalf("AllocateBinding() after release error = %v", err)
	}
	if b3.SrcPort != 30000 {
		t.Errorf("Expected released slot to be reused, got %+v", b3)
	}

	if _, err := pool.AllocateBinding(ctx, "net-missing", "port-9"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound without link, got %v", err)
	}
}

func TestPool_ReleaseBinding_Idempotent(t *testing.T) {
	pool, _ := setupTestPool(t, Config{})
	ctx := context.Background()

	if err := pool.ReleaseBinding(ctx, "no-network", "no-port"); err != nil {
		t.Errorf("Expected no error without link, got %v", err)
	}

	if _, err := pool.AllocateLink(ctx, "net-1"); err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := pool.ReleaseBinding(ctx, "net-1", "never-bound"); err != nil {
			t.Errorf("ReleaseBinding() call %d error = %v", i, err)
		}
	}
}

func TestPool_AllocateBinding_SaveFailure(t *testing.T) {
	pool, store := setupTestPool(t, Config{BindingsPerLink: 1})
	ctx := context.Background()

	if _, err := pool.AllocateLink(ctx, "net-1"); err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}

	store.failBinding = errors.New("disk full")
	if _, err := pool.AllocateBinding(ctx, "net-1", "port-1"); err == nil {
		t.Fatal("Expected error when binding cannot be saved")
	}

	store.failBinding = nil
	if _, err := pool.AllocateBinding(ctx, "net-1", "port-2"); err != nil {
		t.Errorf("Expected slot to be free after failed save, got %v", err)
	}
}

func TestPool_Restore(t *testing.T) {
	cfg := Config{AddressSpace: "10.9.0.0/24", BlockPrefix: 30, PortStart: 40000, PortEnd: 40999, BindingsPerLink: 4}
	pool, store := setupTestPool(t, cfg)
	ctx := context.Background()

	if _, err := pool.AllocateLink(ctx, "net-1"); err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}
	if _, err := pool.AllocateLink(ctx, "net-2"); err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}
	bound, err := pool.AllocateBinding(ctx, "net-2", "port-1")
	if err != nil {
		t.Fatalf("AllocateBinding() error = %v", err)
	}

	restored, err := NewPool(cfg, store)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	got, err := restored.GetBinding("net-2", "port-1")
	if err != nil {
		t.Fatalf("GetBinding() error = %v", err)
	}
	if *got != *bound {
		t.Errorf("Expected restored binding %+v, got %+v", bound, got)
	}

	next, err := restored.AllocateLink(ctx, "net-3")
	if err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}
	if next.CIDR != "10.9.0.8/30" {
		t.Errorf("Expected restored blocks to stay leased, got %s", next.CIDR)
	}

	nb, err := restored.AllocateBinding(ctx, "net-2", "port-2")
	if err != nil {
		t.Fatalf("AllocateBinding() error = %v", err)
	}
	if nb.SrcPort == bound.SrcPort {
		t.Error("Expected restored slot to stay leased")
	}

	stats := restored.Stats()
	if stats.BlocksUsed != 3 || stats.Bindings != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestPool_Restore_OutsideSpace(t *testing.T) {
	store := newMemLinkStore()
	store.links["net-1"] = model.TransportLink{NetworkID: "net-1", CIDR: "192.168.0.0/30", Left: "192.168.0.1", Right: "192.168.0.2", Port: 20000}

	pool, err := NewPool(Config{}, store)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	if err := pool.Restore(context.Background()); err == nil {
		t.Error("Expected error restoring a link outside the address space")
	}
}

func TestPool_ConcurrentBindings(t *testing.T) {
	const workers = 32
	pool, _ := setupTestPool(t, Config{BindingsPerLink: workers})
	ctx := context.Background()

	if _, err := pool.AllocateLink(ctx, "net-1"); err != nil {
		t.Fatalf("AllocateLink() error = %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan *model.PortBinding, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := pool.AllocateBinding(ctx, "net-1", fmt.Sprintf("port-%d", i))
			if err != nil {
				t.Errorf("AllocateBinding() error = %v", err)
				return
			}
			results <- b
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[[2]int]bool)
	for b := range results {
		key := [2]int{b.SrcPort, b.DstPort}
		if seen[key] {
			t.Errorf("Duplicate binding leased: %+v", b)
		}
		seen[key] = true
	}
	if len(seen) != workers {
		t.Errorf("Expected %d bindings, got %d", workers, len(seen))
	}
}

func TestPool_CancelledContext(t *testing.T) {
	pool, _ := setupTestPool(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pool.AllocateLink(ctx, "net-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
