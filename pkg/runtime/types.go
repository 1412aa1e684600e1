package runtime

import "io"

// CreateSpec is everything the Container Manager and Security Profile
// have decided about a container before it is created.
type CreateSpec struct {
	Name       string
	Image      string
	Labels     map[string]string
	Env        []string
	Mounts     []Mount
	Resources  Resources
	User       string // uid[:gid], e.g. "1000" or "0"
	ReadOnly   bool
	Network    string // "" = bridge, "none" = no network
	CapDrop    []string
	CapAdd     []string
	NoNewPrivs bool
}

// Mount is a single volume bind into the container.
type Mount struct {
	VolumeName string
	Target     string
	ReadOnly   bool
}

// Resources mirrors the subset of OCI resource limits the Security
// Profile computes: CPU quota/period, memory ceiling, and a pids limit.
type Resources struct {
	CPUQuota   int64
	CPUPeriod  uint64
	MemoryBytes int64
	PidsLimit   int64
}

// ContainerState is the runtime-observed lifecycle state of a container.
type ContainerState struct {
	RuntimeID string
	Running   bool
	ExitCode  int
	Labels    map[string]string
	Mounts    []MountPoint
	Missing   bool // true iff the runtime has no record of this container at all
}

// MountPoint describes one mount the runtime reports for a running or
// stopped container, used by reconciliation to recover volume_name and
// persistent on adoption.
type MountPoint struct {
	Name        string
	Destination string
}

// ExecSpec is one command to run inside a container.
type ExecSpec struct {
	Argv []string
	Cwd  string
	Env  []string
	User string // "1000" or "0"
}

// ExecStream is the live, demultiplexed output of a running exec.
type ExecStream struct {
	Stdout io.Reader
	Stderr io.Reader
	Wait   func() (exitCode int, err error)
	Close  func() error
}

// PathStat mirrors the runtime's archive-path stat response used for
// etag/mtime/size and for validating a path before put/get.
type PathStat struct {
	Name  string
	Size  int64
	Mode  uint32
	Mtime int64 // unix seconds
	IsDir bool
}
