package domain

import "time"

// Group is an aggregate of resource caps shared by every tenant that
// inherits it; the "test" group always exists with defaults.
type Group struct {
	Name string `json:"-" yaml:"-"`

	MaxBootTime    time.Duration `json:"max_boot_time" yaml:"max_boot_time"`
	MaxReqTime     time.Duration `json:"max_req_time" yaml:"max_req_time"`
	MaxStorageTime time.Duration `json:"max_storage_time" yaml:"max_storage_time"`
	MaxQueueTime   time.Duration `json:"max_queue_time" yaml:"max_queue_time"`

	MaxAddressSpace int64 `json:"max_address_space" yaml:"max_address_space"`
	MaxMainMemory   int64 `json:"max_main_memory" yaml:"max_main_memory"`
	MaxReqMemory    int64 `json:"max_req_memory" yaml:"max_req_memory"`
	LimitReqMemory  int64 `json:"limit_req_memory" yaml:"limit_req_memory"`

	SharedMemory int64 `json:"shared_memory" yaml:"shared_memory"`

	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`
	MaxSMP         int `json:"max_smp" yaml:"max_smp"`

	MaxRegex int `json:"max_regex" yaml:"max_regex"`
	MaxFD    int `json:"max_fd" yaml:"max_fd"`

	Hugepages                  bool `json:"hugepages" yaml:"hugepages"`
	TransparentHugepages       bool `json:"transparent_hugepages" yaml:"transparent_hugepages"`
	SplitHugepages             bool `json:"split_hugepages" yaml:"split_hugepages"`
	RelocateFixedMmap          bool `json:"relocate_fixed_mmap" yaml:"relocate_fixed_mmap"`
	VmemHeapExecutable         bool `json:"vmem_heap_executable" yaml:"vmem_heap_executable"`
	EphemeralKeepWorkingMemory bool `json:"ephemeral_keep_working_memory" yaml:"ephemeral_keep_working_memory"`

	Environ []string `json:"environ" yaml:"environ"`

	SelfRequestMaxConcurrency int `json:"self_request_max_concurrency" yaml:"self_request_max_concurrency"`
}

// DefaultGroup returns the mandatory "test" group with the §6 defaults.
func DefaultGroup() Group {
	return Group{
		Name:                      "test",
		MaxBootTime:               16 * time.Second,
		MaxReqTime:                8 * time.Second,
		MaxStorageTime:            10 * time.Second,
		MaxQueueTime:              60 * time.Second,
		MaxAddressSpace:           256 << 20,
		MaxMainMemory:             64 << 20,
		MaxReqMemory:              16 << 20,
		LimitReqMemory:            16 << 20,
		MaxConcurrency:            4,
		MaxSMP:                    0,
		MaxRegex:                  32,
		MaxFD:                     32,
		Environ:                   []string{"LC_TYPE=C", "LC_ALL=C", "USER=root"},
		SelfRequestMaxConcurrency: 8,
	}
}

// AllowedPath maps a guest-visible virtual path to a host path.
type AllowedPath struct {
	VirtualPath string `json:"virtual_path" yaml:"virtual_path"`
	RealPath    string `json:"real_path" yaml:"real_path"`
	Writable    bool   `json:"writable" yaml:"writable"`
}

// VmemRemapping describes one additional virtual memory region the
// Machine construction policy must map before boot.
type VmemRemapping struct {
	Virtual    uint64 `json:"virt" yaml:"virt"`
	Size       uint64 `json:"size" yaml:"size"`
	Writable   bool   `json:"writable" yaml:"writable"`
	Executable bool   `json:"executable" yaml:"executable"`
}

// Warmup describes synthetic requests issued during main-VM boot to
// prime the guest's JIT/caches before it serves live traffic.
type Warmup struct {
	Method      string            `json:"method" yaml:"method"`
	URL         string            `json:"url" yaml:"url"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	NumRequests int               `json:"num_requests" yaml:"num_requests"`
}

// HashAlgo names an integrity-hash algorithm a tenant can declare.
type HashAlgo int

const (
	HashNone HashAlgo = iota
	HashSHA256
	HashMD5
)

// TenantConfig is the immutable per-tenant policy: resource caps,
// timeouts, filesystem allow-lists, entry-point flags, environment, and
// warmup spec. It is built once by the tenant registry and never
// mutated; only the atomic Program handle living alongside it changes.
type TenantConfig struct {
	Name     string
	NameHash uint32 // CRC32C(Name)

	Group Group

	Filename string
	URI      string

	IntegrityHashAlgo HashAlgo
	IntegrityHashHex  string

	AccessKey string

	AllowDebug       bool
	ControlEphemeral bool
	EphemeralDefault bool

	StorageEnabled bool

	AllowedPaths   []AllowedPath
	VmemRemappings []VmemRemapping

	Warmup *Warmup

	// MainArguments is atomically swappable; callers must go through
	// TenantConfig.Arguments()/SetArguments, not direct field access.
	mainArguments atomicStringSlice
}

// Reachable reports whether the tenant has a local filename or a remote
// URI to load from; a tenant with neither can never load a program.
func (t *TenantConfig) Reachable() bool {
	return t.Filename != "" || t.URI != ""
}

// StatePath returns the host path the virtual "state" allow-list entry
// maps to: always filename + ".state".
func (t *TenantConfig) StatePath() string {
	return t.Filename + ".state"
}

// Validate checks the cross-field invariants §3 requires.
func (t *TenantConfig) Validate() error {
	if t.Group.MaxAddressSpace < t.Group.MaxMainMemory {
		return NewError(KindLoadError, "config.Validate", t.Name, "", errInvalidAddressSpace)
	}
	if !t.Reachable() {
		return NewError(KindLoadError, "config.Validate", t.Name, "", ErrNoReachableProgram)
	}
	return nil
}

var errInvalidAddressSpace = &staticErr{"max_address_space must be >= max_main_memory"}

type staticErr struct{ s string }

func (e *staticErr) Error() string { return e.s }
