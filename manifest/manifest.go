// Package manifest handles procvm.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/procvm/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "procvm.toml"

// Manifest represents a procvm.toml configuration.
type Manifest struct {
	Program   Program   `toml:"program"`
	VM        VMConfig  `toml:"vm"`
	Scheduler Scheduler `toml:"scheduler"`
	Arith     Arith     `toml:"arith"`
	Log       Log       `toml:"log"`
	Server    Server    `toml:"server"`
	Journal   Journal   `toml:"journal"`

	// Dir is the directory containing the procvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Program names the image run when none is given on the command line.
type Program struct {
	Image string `toml:"image"`
}

// VMConfig holds arena size and execution limits.
type VMConfig struct {
	MemorySize    int   `toml:"memory-size"`
	MaxSteps      int64 `toml:"max-steps"`
	MaxStackBytes int   `toml:"max-stack-bytes"`
	MaxCallDepth  int   `toml:"max-call-depth"`
	Trace         bool  `toml:"trace"`
	CountOps      bool  `toml:"count-ops"`
}

// Scheduler selects scheduling and fault policies.
type Scheduler struct {
	Policy  string `toml:"policy"`
	OnFault string `toml:"on-fault"`
}

// Arith selects float semantics.
type Arith struct {
	Float string `toml:"float"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Server configures the gRPC runner.
type Server struct {
	Address string `toml:"address"`
}

// Journal configures the run journal.
type Journal struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when no procvm.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.VM.MemorySize == 0 {
		m.VM.MemorySize = vm.DefaultMemorySize
	}
	if m.Scheduler.Policy == "" {
		m.Scheduler.Policy = vm.PolicySingle.String()
	}
	if m.Scheduler.OnFault == "" {
		m.Scheduler.OnFault = vm.FaultAbort.String()
	}
	if m.Arith.Float == "" {
		m.Arith.Float = vm.FloatBits.String()
	}
	if m.Server.Address == "" {
		m.Server.Address = "localhost:7411"
	}
}

// Load parses a procvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if _, err := m.Options(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a procvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Options converts the configuration into vm.Options.
func (m *Manifest) Options() (vm.Options, error) {
	policy, err := vm.ParseSchedulerPolicy(m.Scheduler.Policy)
	if err != nil {
		return vm.Options{}, err
	}
	onFault, err := vm.ParseFaultPolicy(m.Scheduler.OnFault)
	if err != nil {
		return vm.Options{}, err
	}
	float, err := vm.ParseFloatMode(m.Arith.Float)
	if err != nil {
		return vm.Options{}, err
	}
	if m.VM.MemorySize < 0 || m.VM.MaxSteps < 0 || m.VM.MaxStackBytes < 0 || m.VM.MaxCallDepth < 0 {
		return vm.Options{}, fmt.Errorf("vm limits must not be negative")
	}

	return vm.Options{
		MemorySize:    m.VM.MemorySize,
		MaxSteps:      m.VM.MaxSteps,
		MaxStackBytes: m.VM.MaxStackBytes,
		MaxCallDepth:  m.VM.MaxCallDepth,
		Policy:        policy,
		OnFault:       onFault,
		Float:         float,
		Trace:         m.VM.Trace,
		CountOps:      m.VM.CountOps,
	}, nil
}

// Resolve returns path relative to the manifest directory, unless it is
// empty or already absolute.
func (m *Manifest) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || m.Dir == "" {
		return path
	}
	return filepath.Join(m.Dir, path)
}

// ImagePath returns the absolute path of the configured program image.
func (m *Manifest) ImagePath() string {
	return m.Resolve(m.Program.Image)
}

// JournalPath returns the absolute path of the journal database.
func (m *Manifest) JournalPath() string {
	return m.Resolve(m.Journal.Path)
}
