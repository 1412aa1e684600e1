package security

import (
	"github.com/rs/zerolog"

	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
)

// ResourceLimits bounds a container's memory, CPU, and process count.
type ResourceLimits struct {
	MemoryMB  int64
	CPUQuota  int64
	CPUPeriod uint64
	PidsLimit int64
}

// DefaultResourceLimits mirrors the original defaults: 512MB, one full
// CPU (100000 quota over a 100ms period), 256 processes.
var DefaultResourceLimits = ResourceLimits{
	MemoryMB:  512,
	CPUQuota:  100000,
	CPUPeriod: 100000,
	PidsLimit: 256,
}

// Policy is the security posture applied to every created container:
// non-root by default, all capabilities dropped, no-new-privileges,
// read-only root filesystem outside the workspace mount, bridged
// network unless disabled.
type Policy struct {
	DefaultUID      int
	DefaultGID      int
	DropCapabilities []string
	ReadOnlyRootfs   bool
	NoNewPrivileges  bool
	AllowNetwork     bool
	Resources        ResourceLimits
}

// DefaultPolicy is the Security Profile's single static policy; the
// spec defines no per-container override surface for it.
var DefaultPolicy = Policy{
	DefaultUID:       1000,
	DefaultGID:       1000,
	DropCapabilities: []string{"ALL"},
	ReadOnlyRootfs:   true,
	NoNewPrivileges:  true,
	AllowNetwork:     true,
	Resources:        DefaultResourceLimits,
}

// Profile produces the runtime.CreateSpec security fields and the
// per-exec user string for every Container Manager / Exec Manager call.
type Profile struct {
	policy Policy
}

func New() *Profile {
	return &Profile{policy: DefaultPolicy}
}

// ContainerOptions fills in the security-relevant fields of spec: user,
// capabilities, no-new-privileges, read-only rootfs, network mode, and
// resource limits. Never sets Privileged.
func (p *Profile) ContainerOptions(spec *runtime.CreateSpec) {
	spec.User = "1000:1000"
	spec.CapDrop = p.policy.DropCapabilities
	spec.ReadOnly = p.policy.ReadOnlyRootfs
	spec.NoNewPrivs = p.policy.NoNewPrivileges
	if !p.policy.AllowNetwork {
		spec.Network = "none"
	}
	spec.Resources = runtime.Resources{
		MemoryBytes: p.policy.Resources.MemoryMB * 1024 * 1024,
		CPUQuota:    p.policy.Resources.CPUQuota,
		CPUPeriod:   p.policy.Resources.CPUPeriod,
		PidsLimit:   p.policy.Resources.PidsLimit,
	}
}

// ExecUser returns the uid an exec should run as: root iff asRoot,
// otherwise the policy's default non-root uid. Root execution is
// always allowed but always logged, matching the original's
// allow-and-audit stance rather than a hard allow-list.
func (p *Profile) ExecUser(asRoot bool) string {
	if asRoot {
		return "0"
	}
	return "1000"
}

// AuditAsRoot records a root-execution request. Callers invoke this
// once per as_root=true Submit/Create, regardless of outcome.
func (p *Profile) AuditAsRoot(logger zerolog.Logger, containerID, image string) {
	logger.Warn().
		Str("container_id", containerID).
		Str("image", image).
		Str("security_event", "root_access_requested").
		Msg("root execution requested")
}
