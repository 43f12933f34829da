package job

import (
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const sampleRingSize = 256

// Sample is one resource measurement for a running job.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	MemoryBytes uint64    `json:"memory_bytes"`
	CPUPercent  float64   `json:"cpu_percent"`
}

// Calibration is computed once at job start from available system memory and
// CPU count. There is no mid-run re-calibration.
type Calibration struct {
	AutoGcThresholdBytes uint64
	MaxAllowedBytes      uint64
	PoolWorkers          int
	BatchSize            int
}

// Calibrate derives thresholds and concurrency bounds. Explicit MB values
// from configuration win; zero values fall back to a share of available
// system memory. On sampling failure a conservative default is used.
func Calibrate(autoGcThresholdMB, maxAllowedMemoryMB int) Calibration {
	cal := Calibration{
		AutoGcThresholdBytes: 512 << 20,
		MaxAllowedBytes:      1024 << 20,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		cal.AutoGcThresholdBytes = vm.Available / 4
		cal.MaxAllowedBytes = vm.Available / 2
	} else {
		log.Warn().Err(err).Msg("system memory probe failed, using fallback calibration")
	}

	if autoGcThresholdMB > 0 {
		cal.AutoGcThresholdBytes = uint64(autoGcThresholdMB) << 20
	}
	if maxAllowedMemoryMB > 0 {
		cal.MaxAllowedBytes = uint64(maxAllowedMemoryMB) << 20
	}

	// One worker per core, capped by a memory budget of 64MB per worker.
	workers := runtime.NumCPU()
	if byMem := int(cal.MaxAllowedBytes / (64 << 20)); byMem > 0 && byMem < workers {
		workers = byMem
	}
	if workers < 1 {
		workers = 1
	}
	cal.PoolWorkers = workers
	cal.BatchSize = workers * 4

	return cal
}

// Monitor samples the process's memory (and CPU) on a fixed interval for one
// running job. Exceeding the auto-GC threshold triggers a best-effort reclaim
// hint; exceeding the hard limit only warns, policy stays with the caller.
type Monitor struct {
	proc     *process.Process
	interval time.Duration
	cal      Calibration

	mu       sync.Mutex
	ring     [sampleRingSize]Sample
	next     int
	count    int
	peak     uint64
	sum      uint64
	seen     uint64
	exceeded bool
	warned   bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	finished  chan struct{}
}

// NewMonitor creates a monitor for the current process.
func NewMonitor(interval time.Duration, cal Calibration) (*Monitor, error) {
	if interval <= 0 {
		interval = 4 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Monitor{
		proc:     proc,
		interval: interval,
		cal:      cal,
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}, nil
}

// Calibration returns the thresholds computed at construction.
func (m *Monitor) Calibration() Calibration {
	return m.cal
}

// Start launches the sampling loop. Safe to call once per monitor.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		go m.loop()
	})
}

func (m *Monitor) loop() {
	defer close(m.finished)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	info, err := m.proc.MemoryInfo()
	if err != nil {
		log.Debug().Err(err).Msg("memory sample failed")
		return
	}
	cpuPct, _ := m.proc.Percent(0)

	s := Sample{Timestamp: time.Now(), MemoryBytes: info.RSS, CPUPercent: cpuPct}

	m.mu.Lock()
	m.ring[m.next] = s
	m.next = (m.next + 1) % sampleRingSize
	if m.count < sampleRingSize {
		m.count++
	}
	m.sum += s.MemoryBytes
	m.seen++
	if s.MemoryBytes > m.peak {
		m.peak = s.MemoryBytes
	}
	hitGc := m.cal.AutoGcThresholdBytes > 0 && s.MemoryBytes > m.cal.AutoGcThresholdBytes
	hitMax := m.cal.MaxAllowedBytes > 0 && s.MemoryBytes > m.cal.MaxAllowedBytes
	warn := hitMax && !m.warned
	if hitMax {
		m.exceeded = true
		m.warned = true
	}
	m.mu.Unlock()

	if hitGc {
		log.Info().Uint64("memoryBytes", s.MemoryBytes).Uint64("threshold", m.cal.AutoGcThresholdBytes).Msg("memory above auto-GC threshold, requesting reclaim")
		runtime.GC()
		debug.FreeOSMemory()
	}
	if warn {
		log.Warn().Uint64("memoryBytes", s.MemoryBytes).Uint64("limit", m.cal.MaxAllowedBytes).Msg("memory above allowed limit, leaving abort decision to the pipeline")
	}
}

// Stop halts the sampling loop and waits at most joinTimeout for it to exit.
// It reports whether the loop actually finished within the bound.
func (m *Monitor) Stop(joinTimeout time.Duration) bool {
	m.stopOnce.Do(func() { close(m.stop) })

	if joinTimeout <= 0 {
		joinTimeout = 2 * time.Second
	}
	select {
	case <-m.finished:
		return true
	case <-time.After(joinTimeout):
		log.Warn().Dur("joinTimeout", joinTimeout).Msg("resource monitor did not stop within bound")
		return false
	}
}

// Peak returns the highest memory sample observed.
func (m *Monitor) Peak() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Mean returns the running mean of memory samples.
func (m *Monitor) Mean() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == 0 {
		return 0
	}
	return m.sum / m.seen
}

// Exceeded reports whether any sample crossed the hard memory limit.
func (m *Monitor) Exceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exceeded
}

// Samples returns the buffered samples oldest-first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, 0, m.count)
	start := m.next - m.count
	if start < 0 {
		start += sampleRingSize
	}
	for i := 0; i < m.count; i++ {
		out = append(out, m.ring[(start+i)%sampleRingSize])
	}
	return out
}
