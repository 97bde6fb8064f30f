package logger

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatsFunc contributes pipeline specific fields to the runtime report.
type StatsFunc func() Fields

// StartReport logs a runtime report every interval until ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration, stats StatsFunc) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log, stats)
			}
		}
	}()
}

func logReport(log *Log, stats StatsFunc) {
	fields := reportFields(log)
	if stats != nil {
		for k, v := range stats() {
			fields[k] = v
		}
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")
}

func reportFields(log *Log) Fields {
	warns, errs := log.Counts()
	fields := Fields{
		"warns":      warns,
		"errors":     errs,
		"goroutines": runtime.NumGoroutine(),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(vm.Used) / 1024 / 1024
	}
	return fields
}
