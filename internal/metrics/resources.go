package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Resources is a point-in-time usage sample for one supervised process.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

var (
	processCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devtasks",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage for supervised processes.",
		}, []string{"node"},
	)
	processMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devtasks",
			Subsystem: "process",
			Name:      "memory_mb",
			Help:      "Resident memory in MB for supervised processes.",
		}, []string{"node"},
	)

	resourcesMu sync.Mutex
	resourcesOK bool
)

// Sample reads current usage for pid.
func Sample(pid int32) (Resources, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return Resources{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Resources{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := p.NumThreads()
	r := Resources{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := p.NumFDs(); err == nil {
			r.NumFDs = fds
		}
	}
	return r, nil
}

// Collector samples supervised processes on an interval and keeps the latest
// sample per node.
type Collector struct {
	interval time.Duration
	pids     func() map[string]int32

	mu     sync.RWMutex
	latest map[string]Resources

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a collector; interval defaults to 5s.
func NewCollector(interval time.Duration, pids func() map[string]int32) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{interval: interval, pids: pids, latest: map[string]Resources{}, stopCh: make(chan struct{})}
}

// RegisterResources registers the resource gauges; AlreadyRegistered is ignored.
func RegisterResources(r prometheus.Registerer) error {
	resourcesMu.Lock()
	defer resourcesMu.Unlock()
	if resourcesOK {
		return nil
	}
	for _, c := range []prometheus.Collector{processCPU, processMemory} {
		if err := r.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	resourcesOK = true
	return nil
}

func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.Collect()
			}
		}
	}()
}

func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every live process and forgets exited ones.
func (c *Collector) Collect() {
	pids := c.pids()
	fresh := make(map[string]Resources, len(pids))
	for node, pid := range pids {
		if pid <= 0 {
			continue
		}
		r, err := Sample(pid)
		if err != nil {
			slog.Debug("failed to sample process", "node", node, "pid", pid, "error", err)
			continue
		}
		fresh[node] = r
	}
	resourcesMu.Lock()
	gauges := resourcesOK
	resourcesMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for node := range c.latest {
		if _, ok := fresh[node]; !ok && gauges {
			processCPU.DeleteLabelValues(node)
			processMemory.DeleteLabelValues(node)
		}
	}
	for node, r := range fresh {
		if gauges {
			processCPU.WithLabelValues(node).Set(r.CPUPercent)
			processMemory.WithLabelValues(node).Set(r.MemoryMB)
		}
	}
	c.latest = fresh
}

// Latest returns a copy of the most recent samples.
func (c *Collector) Latest() map[string]Resources {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Resources, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}
