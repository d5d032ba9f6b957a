// Package taskenv carries the TaskEnv value assembled by walking every
// property with a PrepareTaskEnv hook (§4.3 step 2: "Apply every property
// that has a PrepareTaskEnv hook into a TaskEnv value") and consumed by the
// launch package's ConfigureChild. It is its own package so property and
// launch can both depend on it without a cycle.
package taskenv

// Bind is one bind-mount request from the "bind" property.
type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Device is one device-node grant from the "devices" property.
type Device struct {
	Path   string
	Access string // e.g. "rwm"
	Type   byte   // 'c' or 'b', resolved by stat-ing Path on the host
	Major  int64  // -1 for wildcard
	Minor  int64
}

// IPConfig is one interface's address assignment from the "ip" property.
type IPConfig struct {
	Device string
	CIDR   string
}

// Ulimit is one resource limit from the "ulimit" property.
type Ulimit struct {
	Resource string
	Soft     uint64
	Hard     uint64
}

// TaskEnv is the accumulated launch configuration derived from a
// container's property map (§4.4 TaskEnv).
type TaskEnv struct {
	Command []string
	Cwd     string
	Root    string
	RootReadOnly bool

	User  string
	Group string
	Uid   uint32
	Gid   uint32

	Hostname string
	Isolate  bool
	VirtMode string // "app" or "os"

	Env []string

	Binds   []Bind
	Devices []Device

	IPs       []IPConfig
	DefaultGw string

	Capabilities []string
	Ulimits      []Ulimit

	StdoutPath string
	StderrPath string

	Weak bool
}
