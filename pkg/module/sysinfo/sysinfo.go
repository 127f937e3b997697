// Package sysinfo detects host hardware and records it in the run config
// so results can be compared across machines.
package sysinfo

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/expctx/expctx/pkg/scripting"
	"github.com/expctx/expctx/pkg/track"
)

// ModuleName is the registry name of the sysinfo module
const ModuleName = "sysinfo"

// Info describes the detected host hardware
type Info struct {
	Hostname    string `json:"hostname"`
	OS          string `json:"os"`
	Platform    string `json:"platform"`
	CPUModel    string `json:"cpu_model"`
	CPUThreads  int    `json:"cpu_threads"`
	MemoryBytes uint64 `json:"memory_bytes"`
	GPU         string `json:"gpu,omitempty"`
}

// Module detects host hardware during Init and tags the run config with it
type Module struct {
	scripting.Base
	info Info
}

var _ scripting.Module = (*Module)(nil)

// New creates the sysinfo module
func New() *Module {
	return &Module{}
}

// Name returns the module registry name
func (m *Module) Name() string { return ModuleName }

// Info returns the detected hardware. Valid after Init.
func (m *Module) Info() Info { return m.info }

// Init detects the host hardware. Detection failures degrade to partial
// info rather than aborting the script.
func (m *Module) Init(ctx *scripting.Context) error {
	m.info = Detect()

	if ctx.IsUsing(track.ModuleName) {
		scripting.Get[*track.Module](ctx).AddConfig("system", m.info)
	}
	ctx.Logger().Scope(ModuleName).Debug("hardware detected", map[string]interface{}{
		"cpu": m.info.CPUModel, "threads": m.info.CPUThreads, "gpu": m.info.GPU,
	})
	return nil
}

// Detect probes the host hardware
func Detect() Info {
	info := Info{
		OS:         runtime.GOOS,
		CPUThreads: runtime.NumCPU(),
	}

	if hostInfo, err := host.Info(); err == nil {
		info.Hostname = hostInfo.Hostname
		info.Platform = hostInfo.Platform
	}
	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		info.CPUThreads = counts
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryBytes = vm.Total
	}
	info.GPU = detectGPU()
	return info
}

// detectGPU probes for well-known vendor device nodes. It reports the
// vendor only; driver-level queries are out of scope.
func detectGPU() string {
	probes := []struct {
		path   string
		vendor string
	}{
		{"/dev/nvidia0", "nvidia"},
		{"/dev/nvidiactl", "nvidia"},
		{"/dev/kfd", "amd"},
		{"/dev/dri/renderD128", "generic"},
	}
	for _, p := range probes {
		if _, err := os.Stat(p.path); err == nil {
			return p.vendor
		}
	}
	return ""
}
