package mailbox

import (
	"errors"
	"sync"
	"testing"
)

func TestInsertIfAbsent(t *testing.T) {
	r := NewRegistry(10, 16)
	creator, _ := newTestPeer()

	if !r.InsertIfAbsent(42, New(42, creator, 16)) {
		t.Fatal("InsertIfAbsent(42) = false, want true")
	}
	if r.InsertIfAbsent(42, New(42, creator, 16)) {
		t.Error("duplicate InsertIfAbsent(42) = true, want false")
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}

	box, ok := r.Get(42)
	if !ok || box.ID() != 42 {
		t.Errorf("Get(42) = (%v, %v), want mailbox 42", box, ok)
	}
	if _, ok := r.Get(43); ok {
		t.Error("Get(43) = found, want not found")
	}
}

func TestCapacityBound(t *testing.T) {
	r := NewRegistry(2, 16)
	creator, _ := newTestPeer()

	first, err := r.Create(creator)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := r.Create(creator); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Exactly at the bound: refused.
	if _, err := r.Create(creator); !errors.Is(err, ErrCapacity) {
		t.Errorf("Create() at capacity error = %v, want ErrCapacity", err)
	}
	if got := r.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}

	// One below the bound again: admitted.
	r.Remove(first.ID(), first)
	if _, err := r.Create(creator); err != nil {
		t.Errorf("Create() after Remove error = %v", err)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := NewRegistry(10, 16)
	creator, _ := newTestPeer()

	box, err := r.Create(creator)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r.Remove(box.ID(), box)
	r.Remove(box.ID(), box)
	r.Remove(12345, box)

	if got := r.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestIdentifierReuseAfterRemove(t *testing.T) {
	r := NewRegistry(10, 16)
	creator, _ := newTestPeer()

	// Force the generator to always draw the same identifier.
	r.newID = func() uint32 { return 99 }

	box, err := r.Create(creator)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if box.ID() != 99 {
		t.Fatalf("ID() = %d, want 99", box.ID())
	}

	r.Remove(99, box)

	// The identifier is immediately eligible again.
	box, err = r.Create(creator)
	if err != nil {
		t.Fatalf("Create() after Remove error = %v", err)
	}
	if box.ID() != 99 {
		t.Errorf("ID() = %d, want 99", box.ID())
	}
}

func TestStaleRemoveKeepsReusedIdentifier(t *testing.T) {
	r := NewRegistry(10, 16)
	creator, _ := newTestPeer()
	r.newID = func() uint32 { return 99 }

	dead, err := r.Create(creator)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	dead.Detach(creator)
	r.Remove(dead.ID(), dead)

	// A fresh mailbox claims the freed identifier before the dead pairing's
	// other peer has torn down.
	live, err := r.Create(creator)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if live.ID() != 99 {
		t.Fatalf("ID() = %d, want reused 99", live.ID())
	}

	// The late teardown replays its remove; the successor must survive.
	r.Remove(dead.ID(), dead)

	got, ok := r.Get(99)
	if !ok {
		t.Fatal("live mailbox 99 vanished after a stale remove")
	}
	if got != live {
		t.Error("Get(99) returned a different mailbox than the live one")
	}
	if count := r.Count(); count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}
}

func TestCreateRetriesOnCollision(t *testing.T) {
	r := NewRegistry(10, 16)
	creator, _ := newTestPeer()

	// First draw collides with an existing mailbox, second is free.
	draws := []uint32{7, 7, 8}
	r.newID = func() uint32 {
		id := draws[0]
		if len(draws) > 1 {
			draws = draws[1:]
		}
		return id
	}

	first, err := r.Create(creator)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if first.ID() != 7 {
		t.Fatalf("ID() = %d, want 7", first.ID())
	}

	second, err := r.Create(creator)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if second.ID() != 8 {
		t.Errorf("ID() = %d, want 8 after redraw", second.ID())
	}
	if got := r.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestConcurrentCreateUniqueness(t *testing.T) {
	const n = 200
	r := NewRegistry(n, 16)
	creator, _ := newTestPeer()

	ids := make(chan uint32, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			box, err := r.Create(creator)
			if err != nil {
				t.Errorf("Create() error = %v", err)
				return
			}
			ids <- box.ID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("identifier %d allocated twice", id)
		}
		seen[id] = true
		if id > idMask {
			t.Errorf("identifier %d outside 30-bit space", id)
		}
	}
	if got := r.Count(); got != n {
		t.Errorf("Count() = %d, want %d", got, n)
	}
}

func TestConcurrentCreateNeverExceedsCapacity(t *testing.T) {
	const max = 50
	r := NewRegistry(max, 16)
	creator, _ := newTestPeer()

	var wg sync.WaitGroup
	var okCount, capCount sync.Map
	wg.Add(2 * max)
	for i := 0; i < 2*max; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := r.Create(creator)
			switch {
			case err == nil:
				okCount.Store(i, true)
			case errors.Is(err, ErrCapacity):
				capCount.Store(i, true)
			default:
				t.Errorf("Create() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	succeeded := 0
	okCount.Range(func(_, _ any) bool { succeeded++; return true })
	if succeeded != max {
		t.Errorf("successful creates = %d, want %d", succeeded, max)
	}
	if got := r.Count(); got != max {
		t.Errorf("Count() = %d, want %d", got, max)
	}
}
