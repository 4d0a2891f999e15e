package inference

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// DeviceInfo describes where inference runs.
type DeviceInfo struct {
	Device      string   `json:"device"`
	Arch        string   `json:"arch"`
	CPUFeatures []string `json:"cpu_features"`
}

func Describe(device string) DeviceInfo {
	return DeviceInfo{
		Device:      device,
		Arch:        runtime.GOARCH,
		CPUFeatures: CPUFeatures(),
	}
}

// CPUFeatures lists the vector extensions the runtime's CPU kernels can use.
func CPUFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasFMA {
			features = append(features, "fma")
		}
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			features = append(features, "fphp")
		}
		if cpu.ARM64.HasSVE {
			features = append(features, "sve")
		}
	}
	return features
}
