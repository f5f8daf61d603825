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

// SystemCollector is responsible for periodically collecting system-level metrics
// like CPU and Disk usage and publishing them via expvar.
type SystemCollector struct {
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	diskUsage       *expvar.Float
	diskFreeBytes   *expvar.Int
	diskPath        string
	interval        time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector creates a new collector.
// diskPath should be the path of the disk to monitor (e.g., the log directory).
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemCollector{
		cpuUsagePercent: publishExpvarFloat("system_cpu_usage_percent"),
		memUsagePercent: publishExpvarFloat("system_mem_usage_percent"),
		diskUsage:       publishExpvarFloat("system_disk_usage_percent"),
		diskFreeBytes:   publishExpvarInt("system_disk_free_bytes"),
		diskPath:        diskPath,
		interval:        interval,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval, "disk_path", sc.diskPath)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.collect()
	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

// collect takes one sample. CPU usage is measured since the previous call.
func (sc *SystemCollector) collect() {
	if cpuPercentages, err := cpu.Percent(0, false); err == nil && len(cpuPercentages) > 0 {
		sc.cpuUsagePercent.Set(cpuPercentages[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sc.memUsagePercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage(sc.diskPath); err == nil {
		sc.diskUsage.Set(du.UsedPercent)
		sc.diskFreeBytes.Set(int64(du.Free))
	} else {
		sc.logger.Debug("Disk usage unavailable", "path", sc.diskPath, "error", err)
	}
}

// publishExpvarInt safely publishes an expvar.Int.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarFloat safely publishes an expvar.Float.
func publishExpvarFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}
