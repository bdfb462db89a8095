package metrics

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/taskmesh/taskmesh/common/models"
)

// SampleNodeResource captures a point-in-time resource snapshot of the local
// machine. Fields that cannot be read on this platform stay zero; the
// snapshot is advisory telemetry, not accounting.
func SampleNodeResource(nodeUUID string) *models.NodeResource {
	res := &models.NodeResource{
		NodeUUID:  nodeUUID,
		UpdatedAt: time.Now().Unix(),
	}

	fillMemory(res)
	fillLoad(res)
	fillDisk(res, "/")
	fillCPU(res)

	return res
}

// fillMemory parses /proc/meminfo (values are kB).
func fillMemory(res *models.NodeResource) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return
	}
	var total, available int64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			available = kb * 1024
		}
	}
	if total == 0 {
		return
	}
	res.TotalMemoryBytes = total
	res.AvailableMemoryBytes = available
	res.UsedMemoryBytes = total - available
	res.MemoryUsagePercent = float64(res.UsedMemoryBytes) / float64(total) * 100
}

// fillLoad parses /proc/loadavg.
func fillLoad(res *models.NodeResource) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return
	}
	res.LoadAverage1m, _ = strconv.ParseFloat(fields[0], 64)
	res.LoadAverage5m, _ = strconv.ParseFloat(fields[1], 64)
	res.LoadAverage15m, _ = strconv.ParseFloat(fields[2], 64)
}

// fillDisk uses statfs on the given mount point.
func fillDisk(res *models.NodeResource, path string) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return
	}
	total := int64(st.Blocks) * int64(st.Bsize)
	free := int64(st.Bavail) * int64(st.Bsize)
	if total == 0 {
		return
	}
	res.TotalDiskBytes = total
	res.UsedDiskBytes = total - free
	res.DiskUsagePercent = float64(res.UsedDiskBytes) / float64(total) * 100
}

// fillCPU derives a coarse usage estimate from the 1-minute load average
// normalised by core count. Good enough for placement scoring; exact
// accounting would need two /proc/stat samples.
func fillCPU(res *models.NodeResource) {
	cores := runtime.NumCPU()
	if cores == 0 {
		return
	}
	usage := res.LoadAverage1m / float64(cores) * 100
	if usage > 100 {
		usage = 100
	}
	res.CPUUsagePercent = usage
}
