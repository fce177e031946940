package log

import (
	"sync"
	"testing"
	"time"
)

func TestInitializeSetsUpLoggers(t *testing.T) {
	Initialize()
	defer Close()

	if InfoLog == nil || WarningLog == nil || ErrorLog == nil || DebugLog == nil {
		t.Fatal("Initialize left a logger nil")
	}
}

func TestEveryRateLimits(t *testing.T) {
	every := NewEvery(50 * time.Millisecond)

	if !every.ShouldLog() {
		t.Fatal("first call should log")
	}
	if every.ShouldLog() {
		t.Error("second immediate call should be suppressed")
	}

	time.Sleep(80 * time.Millisecond)
	if !every.ShouldLog() {
		t.Error("call after the timeout should log")
	}
}

func TestEveryConcurrentCallers(t *testing.T) {
	every := NewEvery(time.Hour)

	var wg sync.WaitGroup
	logged := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if every.ShouldLog() {
				logged <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(logged)

	count := 0
	for range logged {
		count++
	}
	if count != 1 {
		t.Errorf("%d goroutines logged, want exactly 1", count)
	}
}
