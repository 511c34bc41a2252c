package inflight

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGuard_OnePerKey(t *testing.T) {
	g := New(time.Minute)
	release, ok := g.TryAcquire("doc-1")
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if _, ok := g.TryAcquire("doc-1"); ok {
		t.Error("second acquire of same key should fail")
	}
	if _, ok := g.TryAcquire("doc-2"); !ok {
		t.Error("different key should not be blocked")
	}
	release()
	if g.Busy("doc-1") {
		t.Error("key should be free after release")
	}
	if _, ok := g.TryAcquire("doc-1"); !ok {
		t.Error("acquire after release should succeed")
	}
}

func TestGuard_ReleaseIsIdempotent(t *testing.T) {
	g := New(time.Minute)
	release, _ := g.TryAcquire("k")
	release()
	second, ok := g.TryAcquire("k")
	if !ok {
		t.Fatal("reacquire failed")
	}
	release() // stale release must not clear the new marker
	if !g.Busy("k") {
		t.Error("stale release cleared a newer marker")
	}
	second()
	if g.Held() != 0 {
		t.Errorf("Held() = %d, want 0", g.Held())
	}
}

func TestGuard_Expires(t *testing.T) {
	g := New(20 * time.Millisecond)
	if _, ok := g.TryAcquire("k"); !ok {
		t.Fatal("acquire failed")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := g.TryAcquire("k"); !ok {
		t.Error("expired marker should not block")
	}
}

func TestGuard_Concurrent(t *testing.T) {
	g := New(time.Minute)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := g.TryAcquire("same"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("%d goroutines acquired the same key, want 1", wins.Load())
	}
}
