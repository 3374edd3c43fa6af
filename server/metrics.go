package server

import (
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// diskUsageWarnPercent is the fill level above which the collector warns.
// Compaction writes its output alongside the inputs it is merging, so the
// data directory needs headroom beyond the live data size.
const diskUsageWarnPercent = 90.0

// SystemCollector is responsible for periodically collecting system-level metrics
// like CPU and Disk usage and publishing them via expvar.
type SystemCollector struct {
	cpuUsagePercent  *expvar.Float
	memUsagePercent  *expvar.Float
	diskUsagePercent *expvar.Float
	diskFreeBytes    *expvar.Int
	diskPath         string
	interval         time.Duration
	stopChan         chan struct{}
	wg               sync.WaitGroup
	logger           *slog.Logger
}

// NewSystemCollector creates a new collector.
// diskPath should be the path of the disk to monitor (e.g., the data directory).
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	return &SystemCollector{
		cpuUsagePercent:  publishFloat("system_cpu_usage_percent"),
		memUsagePercent:  publishFloat("system_mem_usage_percent"),
		diskUsagePercent: publishFloat("system_disk_usage_percent"),
		diskFreeBytes:    publishInt("system_disk_free_bytes"),
		diskPath:         diskPath,
		interval:         interval,
		stopChan:         make(chan struct{}),
		logger:           logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.logger.Info("Stopping system metrics collector")
	close(sc.stopChan)
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// The sampling window must stay under the ticker interval so the
			// next tick does not arrive mid-measurement.
			cpuPercentages, err := cpu.Percent(sc.interval-time.Second, false)
			if err == nil && len(cpuPercentages) > 0 {
				sc.cpuUsagePercent.Set(cpuPercentages[0])
			}

			if vm, err := mem.VirtualMemory(); err == nil {
				sc.memUsagePercent.Set(vm.UsedPercent)
			}

			if du, err := disk.Usage(sc.diskPath); err == nil {
				sc.diskUsagePercent.Set(du.UsedPercent)
				sc.diskFreeBytes.Set(int64(du.Free))
				if du.UsedPercent > diskUsageWarnPercent {
					sc.logger.Warn("Data directory is running low on space.",
						"path", sc.diskPath,
						"used_percent", du.UsedPercent,
						"free_bytes", du.Free)
				}
			}
		case <-sc.stopChan:
			return
		}
	}
}

// publishFloat safely publishes an expvar.Float.
// If the name already exists and is an *expvar.Float, it resets it and returns it.
// If the name exists but is not an *expvar.Float, it panics.
func publishFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		fv.Set(0)
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}

// publishInt safely publishes an expvar.Int.
func publishInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}
