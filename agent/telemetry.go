package main

import (
	"log"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// sampleMetrics collects the telemetry snapshot attached to heartbeats.
// Sampling failures degrade to zero values; a heartbeat without metrics is
// still worth sending.
func sampleMetrics(instances int) SlaveMetrics {
	metrics := SlaveMetrics{Instances: instances}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		metrics.CPU = percents[0]
	} else if err != nil {
		log.Printf("Telemetry: cpu sample failed: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		metrics.RAM = vm.UsedPercent
	} else {
		log.Printf("Telemetry: memory sample failed: %v", err)
	}

	return metrics
}
