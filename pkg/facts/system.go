package facts

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func gatherMemory() (free, used int64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return int64(v.Available), int64(v.Used), nil
}

// gatherLoad returns the 1-minute load average.
func gatherLoad() (float64, error) {
	l, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return l.Load1, nil
}

func hostInfo() (types.NodeStaticData, error) {
	info, err := host.Info()
	if err != nil {
		return types.NodeStaticData{}, err
	}
	counts, err := cpu.Counts(true)
	if err != nil {
		counts = runtime.NumCPU()
	}
	return types.NodeStaticData{
		CPUCount: counts,
		Arch:     info.KernelArch,
		OS:       info.Platform,
		Kernel:   info.KernelVersion,
	}, nil
}
