package ollama

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GPU is one device as reported by nvidia-smi.
type GPU struct {
	Name          string
	UsedMemoryMB  int
	TotalMemoryMB int
}

func (g GPU) FreeMemoryMB() int {
	return g.TotalMemoryMB - g.UsedMemoryMB
}

// ProbeGPUs lists NVIDIA GPUs. Without nvidia-smi the backend runs on CPU
// and warm-up takes much longer.
func ProbeGPUs(ctx context.Context) ([]GPU, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.used,memory.total",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseGPUs(string(out))
}

func parseGPUs(out string) ([]GPU, error) {
	var gpus []GPU
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		used, err1 := strconv.Atoi(strings.TrimSpace(parts[1]))
		total, err2 := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("parse memory in %q", line)
		}
		gpus = append(gpus, GPU{Name: strings.TrimSpace(parts[0]), UsedMemoryMB: used, TotalMemoryMB: total})
	}
	return gpus, nil
}
