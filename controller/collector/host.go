package collector

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/workload-advisor/controller/types"
)

const hostMetricType = "host"

// HostMetricsCollector samples CPU, memory, network and disk figures of the controller host.
// Network and disk values are deltas since the previous sample.
type HostMetricsCollector struct {
	mu            sync.Mutex
	proc          *process.Process
	lastNetStats  *net.IOCountersStat
	lastDiskStats map[string]disk.IOCountersStat
}

// NewHostMetricsCollector binds the collector to the current process
func NewHostMetricsCollector() (*HostMetricsCollector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &HostMetricsCollector{proc: proc}, nil
}

// Collect takes one snapshot. Figures the platform cannot report are omitted.
func (hc *HostMetricsCollector) Collect(ctx context.Context) []types.ResourceMetric {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := time.Now()
	var out []types.ResourceMetric
	add := func(name string, value float64, unit string) {
		out = append(out, types.ResourceMetric{
			MetricType:  hostMetricType,
			MetricName:  name,
			Value:       value,
			Unit:        unit,
			CollectedAt: now,
		})
	}

	add("goroutines", float64(runtime.NumGoroutine()), "count")

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		add("cpu_percent", percents[0], "percent")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		add("memory_used_percent", vm.UsedPercent, "percent")
		add("memory_used", float64(vm.Used), "bytes")
	}

	if procMem, err := hc.proc.MemoryInfoWithContext(ctx); err == nil {
		add("process_rss", float64(procMem.RSS), "bytes")
	}

	if netStats, err := net.IOCountersWithContext(ctx, false); err == nil && len(netStats) > 0 {
		current := netStats[0]
		if hc.lastNetStats != nil {
			add("network_bytes_sent", float64(current.BytesSent-hc.lastNetStats.BytesSent), "bytes")
			add("network_bytes_recv", float64(current.BytesRecv-hc.lastNetStats.BytesRecv), "bytes")
		}
		hc.lastNetStats = &current
	}

	if diskStats, err := disk.IOCountersWithContext(ctx); err == nil {
		var read, written uint64
		for name, stat := range diskStats {
			if last, ok := hc.lastDiskStats[name]; ok {
				read += stat.ReadBytes - last.ReadBytes
				written += stat.WriteBytes - last.WriteBytes
			}
		}
		if hc.lastDiskStats != nil {
			add("disk_read_bytes", float64(read), "bytes")
			add("disk_write_bytes", float64(written), "bytes")
		}
		hc.lastDiskStats = diskStats
	}

	return out
}
