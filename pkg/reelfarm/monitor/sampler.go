package monitor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostReading is one CPU/memory sample.
type HostReading struct {
	CPUPercent float64
	MemPercent float64
}

// GPUReading aggregates every visible GPU. A zero reading means no GPU.
type GPUReading struct {
	UtilPercent float64
	MemUsed     int64
	MemTotal    int64
	TempC       float64
	Devices     int
}

// HostSampler reads host CPU and memory utilization.
type HostSampler interface {
	SampleHost(ctx context.Context) (HostReading, error)
}

// GPUSampler reads GPU utilization.
type GPUSampler interface {
	SampleGPU(ctx context.Context) (GPUReading, error)
}

// PSUtilSampler samples the host through gopsutil.
type PSUtilSampler struct{}

// SampleHost returns CPU usage since the previous call and current memory
// usage.
func (PSUtilSampler) SampleHost(ctx context.Context) (HostReading, error) {
	var r HostReading

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return r, fmt.Errorf("reading cpu: %w", err)
	}
	if len(percents) > 0 {
		r.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return r, fmt.Errorf("reading memory: %w", err)
	}
	r.MemPercent = vm.UsedPercent
	return r, nil
}

// nvidiaQuery is the nvidia-smi field list parsed by parseNvidiaSMI.
const nvidiaQuery = "--query-gpu=utilization.gpu,memory.used,memory.total,temperature.gpu"

// NvidiaSMISampler shells out to nvidia-smi. A missing binary or a failing
// probe yields a zero reading, never an error.
type NvidiaSMISampler struct {
	// Binary is the nvidia-smi path; empty means "nvidia-smi" on PATH.
	Binary string

	// Timeout bounds one probe. Zero means 5s.
	Timeout time.Duration
}

// SampleGPU runs one nvidia-smi query.
func (s NvidiaSMISampler) SampleGPU(ctx context.Context) (GPUReading, error) {
	bin := s.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return GPUReading{}, nil
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, nvidiaQuery, "--format=csv,noheader,nounits").Output()
	if err != nil {
		return GPUReading{}, nil
	}
	reading, err := parseNvidiaSMI(out)
	if err != nil {
		return GPUReading{}, nil
	}
	return reading, nil
}

var errNoGPULines = errors.New("no gpu lines")

// parseNvidiaSMI parses "util, mem.used MiB, mem.total MiB, temp" lines.
// Utilization is averaged, memory summed and temperature maxed.
func parseNvidiaSMI(out []byte) (GPUReading, error) {
	var (
		r       GPUReading
		utilSum float64
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			continue
		}
		vals := make([]float64, 4)
		ok := true
		for i := range vals {
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
			if err != nil {
				ok = false
				break
			}
			vals[i] = v
		}
		if !ok {
			continue
		}
		r.Devices++
		utilSum += vals[0]
		r.MemUsed += int64(vals[1]) * 1024 * 1024
		r.MemTotal += int64(vals[2]) * 1024 * 1024
		if vals[3] > r.TempC {
			r.TempC = vals[3]
		}
	}
	if r.Devices == 0 {
		return GPUReading{}, errNoGPULines
	}
	r.UtilPercent = utilSum / float64(r.Devices)
	return r, nil
}

// NoGPU is a GPUSampler for hosts without a GPU.
type NoGPU struct{}

// SampleGPU always returns a zero reading.
func (NoGPU) SampleGPU(context.Context) (GPUReading, error) { return GPUReading{}, nil }
