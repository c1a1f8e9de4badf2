package script

import (
	"context"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// rateLimiter is a sliding-window limiter with a per-hook and a global
// budget. Hooks fire from roster and chat events, so a busy room can
// trigger them far faster than any script should run.
type rateLimiter struct {
	mu        sync.Mutex
	perHook   map[string][]time.Time
	global    []time.Time
	hookMax   int
	globalMax int
	window    time.Duration
}

func newRateLimiter(perMin int) *rateLimiter {
	return &rateLimiter{
		perHook:   make(map[string][]time.Time),
		hookMax:   perMin,
		globalMax: perMin * 4,
		window:    time.Minute,
	}
}

func (r *rateLimiter) allow(hook string) bool {
	if r.hookMax <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	r.global = pruneOld(r.global, cutoff)
	if len(r.global) >= r.globalMax {
		return false
	}
	r.perHook[hook] = pruneOld(r.perHook[hook], cutoff)
	if len(r.perHook[hook]) >= r.hookMax {
		return false
	}

	r.global = append(r.global, now)
	r.perHook[hook] = append(r.perHook[hook], now)
	return true
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

// memoryMonitor watches process memory growth during hook execution and
// kills the VM when the allocation delta exceeds the limit. gopher-lua
// has no per-VM accounting, so runtime.MemStats stands in: the reading
// is process-wide, which is acceptable for a safety net.
type memoryMonitor struct {
	limitBytes uint64
	baseline   uint64
	exceeded   atomic.Bool
}

func newMemoryMonitor(maxMB int) *memoryMonitor {
	if maxMB <= 0 {
		return nil
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return &memoryMonitor{
		limitBytes: uint64(maxMB) * 1024 * 1024,
		baseline:   stats.Alloc,
	}
}

func (m *memoryMonitor) watch(ctx context.Context, L *lua.LState, hook string) context.CancelFunc {
	if m == nil {
		return func() {}
	}
	monCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-monCtx.Done():
				return
			case <-ticker.C:
				var stats runtime.MemStats
				runtime.ReadMemStats(&stats)
				delta := uint64(0)
				if stats.Alloc > m.baseline {
					delta = stats.Alloc - m.baseline
				}
				if delta > m.limitBytes {
					m.exceeded.Store(true)
					log.Printf("SCRIPT: memory limit exceeded in %s (delta=%dMB, limit=%dMB), killing VM",
						hook, delta/(1024*1024), m.limitBytes/(1024*1024))
					L.Close()
					return
				}
			}
		}
	}()
	return cancel
}

func (m *memoryMonitor) wasExceeded() bool {
	if m == nil {
		return false
	}
	return m.exceeded.Load()
}
