// Package memory keeps thumbnail decoding inside the container's memory
// budget.
//
// Go does not derive a heap limit from cgroup memory limits the way it does
// GOMAXPROCS from CPU quotas, and image decoding allocates in large bursts.
// SetHeapLimit turns a container limit into a soft runtime limit, reserving a
// share for ffmpeg subprocesses and libvips. An explicit GOMEMLIMIT always
// wins.
//
// Gate watches heap allocation against that limit. Above the critical mark it
// closes, and thumbnail workers calling Wait block before starting new work
// until allocation falls back under the high mark:
//
//	budget := memory.SetHeapLimit(cfg.MemoryLimit, cfg.MemoryRatio)
//	gate := memory.NewGate(memory.DefaultGateConfig(budget.HeapLimit))
//	gate.Start()
//	defer gate.Stop()
//	thumbCfg.Gate = gate.Wait
//
// Without a limit the gate never closes.
package memory
