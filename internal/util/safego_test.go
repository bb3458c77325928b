package util

import (
	"sync"
	"testing"
	"time"
)

func TestSafeGo(t *testing.T) {
	var wg sync.WaitGroup
	executed := false

	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		executed = true
	})
	wg.Wait()

	if !executed {
		t.Error("SafeGo did not execute the function")
	}
}

func TestSafeGoWithName_RecoversAndCallsHook(t *testing.T) {
	got := make(chan string, 1)
	SetPanicHook(func(name string) { got <- name })
	defer SetPanicHook(nil)

	SafeGoWithName("refresh-loop", func() {
		panic("boom")
	})

	select {
	case name := <-got:
		if name != "refresh-loop" {
			t.Errorf("expected hook for refresh-loop, got %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic hook was not called")
	}
}

func TestSafeGoConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		SafeGoWithName("worker", func() {
			defer wg.Done()
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("expected 50 executions, got %d", count)
	}
}
