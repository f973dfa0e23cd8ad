package ispc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
)

type define struct {
	Key   string
	Value string
}

// Config accumulates build intent for one kernel library. Mutations that
// can be rejected return one of the config error types; everything else is
// a plain setter. Finalize validates the whole and returns the immutable
// BuildConfig a pass runs from.
type Config struct {
	sources    []string
	includes   []string
	defines    []define
	optLevel   OptLevel
	targets    []TargetISA
	debug      bool
	mathLib    MathLib
	outDir     string
	extraFlags []string
	linkFlags  []string

	addressing     Addressing
	pic            bool
	targetOS       TargetOS
	arch           Arch
	werror         bool
	wnoPerf        bool
	forceAlignment int
	instrument     bool
	noAssertions   bool
	quiet          bool

	perTarget   bool
	jobs        int
	ispcPath    string
	bindgenPath string
	version     string
	basedir     string

	prebuilt     bool
	prebuiltPath string

	toolOutput io.Writer
}

// NewConfig returns a config with the compiler defaults: -O2, default math
// library, one compile job per CPU.
func NewConfig() *Config {
	return &Config{
		optLevel: O2,
		mathLib:  MathDefault,
		jobs:     runtime.NumCPU(),
		basedir:  ".",
	}
}

// AddFile adds one kernel source file. The file must exist and must not
// already be part of the build.
func (c *Config) AddFile(path string) error {
	path = filepath.Clean(path)
	stat, err := os.Stat(path)
	if err != nil {
		return &ConfigError{Op: "AddFile", Reason: fmt.Sprintf("source file %s does not exist", path)}
	}
	if stat.IsDir() {
		return &ConfigError{Op: "AddFile", Reason: fmt.Sprintf("%s is a directory", path)}
	}
	if slices.Contains(c.sources, path) {
		return &ConfigError{Op: "AddFile", Reason: fmt.Sprintf("source file %s added twice", path)}
	}
	c.sources = append(c.sources, path)
	return nil
}

// AddIncludePath adds a directory to the compiler's include search path.
func (c *Config) AddIncludePath(dir string) {
	c.includes = append(c.includes, filepath.Clean(dir))
}

// Define sets a preprocessor define. An empty value emits a bare -DKEY.
// Redefining a key overwrites its value but keeps its original position in
// the flag order.
func (c *Config) Define(key, value string) {
	for i := range c.defines {
		if c.defines[i].Key == key {
			c.defines[i].Value = value
			return
		}
	}
	c.defines = append(c.defines, define{Key: key, Value: value})
}

// SetOptLevel selects the optimization level, O0 through O3.
func (c *Config) SetOptLevel(level OptLevel) error {
	if level < O0 || level > O3 {
		return &ConfigError{Op: "SetOptLevel", Reason: fmt.Sprintf("optimization level %d out of range", level)}
	}
	c.optLevel = level
	return nil
}

// SetTargets selects the ISAs to compile for, replacing any previous
// selection. Duplicates are dropped, order is preserved. Host cannot be
// combined with other targets.
func (c *Config) SetTargets(isas ...TargetISA) error {
	var targets []TargetISA
	for _, isa := range isas {
		if !knownISAs[isa] {
			return &UnsupportedTargetError{ISA: string(isa)}
		}
		if !slices.Contains(targets, isa) {
			targets = append(targets, isa)
		}
	}
	if slices.Contains(targets, Host) && len(targets) > 1 {
		return &ConfigError{Op: "SetTargets", Reason: "the host target cannot be combined with explicit targets"}
	}
	c.targets = targets
	return nil
}

// SetDebug toggles debug symbol emission.
func (c *Config) SetDebug(debug bool) {
	c.debug = debug
}

// SetMathLib selects the math library implementation.
func (c *Config) SetMathLib(lib MathLib) error {
	if !knownMathLibs[lib] {
		return &ConfigError{Op: "SetMathLib", Reason: fmt.Sprintf("unknown math library %q", lib)}
	}
	c.mathLib = lib
	return nil
}

// SetOutDir sets the output directory, creating it if needed. All objects,
// headers, the library and the sidecar build state live under it.
func (c *Config) SetOutDir(dir string) error {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &IOError{Op: "create output directory", Path: dir, Err: err}
	}
	c.outDir = dir
	return nil
}

// AppendFlags appends opaque flags passed to the kernel compiler unchanged,
// after every flag derived from the config.
func (c *Config) AppendFlags(flags ...string) {
	c.extraFlags = append(c.extraFlags, flags...)
}

// AppendLinkFlags appends opaque flags passed to the archiver unchanged.
func (c *Config) AppendLinkFlags(flags ...string) {
	c.linkFlags = append(c.linkFlags, flags...)
}

// SetAddressing selects 32- or 64-bit addressing inside kernels.
func (c *Config) SetAddressing(a Addressing) error {
	if a != Addressing32 && a != Addressing64 {
		return &ConfigError{Op: "SetAddressing", Reason: fmt.Sprintf("addressing must be 32 or 64, got %d", a)}
	}
	c.addressing = a
	return nil
}

// SetPIC makes the compiler emit position-independent code. The glue
// object is compiled with -fPIC as well.
func (c *Config) SetPIC(pic bool) {
	c.pic = pic
}

// SetTargetOS overrides the OS kernels are compiled for.
func (c *Config) SetTargetOS(os TargetOS) error {
	if os != "" && !knownTargetOSes[os] {
		return &ConfigError{Op: "SetTargetOS", Reason: fmt.Sprintf("unknown target os %q", os)}
	}
	c.targetOS = os
	return nil
}

// SetArch overrides the CPU architecture kernels are compiled for.
func (c *Config) SetArch(arch Arch) error {
	if arch != "" && !knownArches[arch] {
		return &ConfigError{Op: "SetArch", Reason: fmt.Sprintf("unknown arch %q", arch)}
	}
	c.arch = arch
	return nil
}

// SetWerror turns compiler warnings into errors.
func (c *Config) SetWerror(werror bool) {
	c.werror = werror
}

// SetWnoPerf silences the compiler's performance warnings.
func (c *Config) SetWnoPerf(wnoPerf bool) {
	c.wnoPerf = wnoPerf
}

// SetForceAlignment forces allocations in kernels to the given alignment.
func (c *Config) SetForceAlignment(alignment int) error {
	if alignment < 0 {
		return &ConfigError{Op: "SetForceAlignment", Reason: "alignment must be positive"}
	}
	c.forceAlignment = alignment
	return nil
}

// SetInstrument compiles kernels with instrumentation callouts.
func (c *Config) SetInstrument(instrument bool) {
	c.instrument = instrument
}

// SetAssertions toggles assert() support in kernels. Enabled by default.
func (c *Config) SetAssertions(enabled bool) {
	c.noAssertions = !enabled
}

// SetQuiet suppresses per-job output lines and passes --quiet to the
// compiler.
func (c *Config) SetQuiet(quiet bool) {
	c.quiet = quiet
}

// PerTargetObjects switches from one batched invocation per source file
// (one fat object with a runtime dispatcher, the default) to one
// invocation per (source, ISA) pair. Per-target objects carry ISA-suffixed
// symbol names and no dispatcher, so callers pick the variant themselves.
func (c *Config) PerTargetObjects(perTarget bool) {
	c.perTarget = perTarget
}

// SetJobs bounds how many compiler invocations run in parallel.
func (c *Config) SetJobs(n int) error {
	if n < 1 {
		return &ConfigError{Op: "SetJobs", Reason: "job count must be at least 1"}
	}
	c.jobs = n
	return nil
}

// SetCompiler sets an explicit path to the kernel compiler binary, instead
// of discovering it through $ISPC and $PATH.
func (c *Config) SetCompiler(path string) {
	c.ispcPath = path
}

// SetBindgen sets an explicit path to the signature generator binary.
func (c *Config) SetBindgen(path string) {
	c.bindgenPath = path
}

// SetVersion records the library version stamped into the packaged module
// marker and required of prebuilt artifact sets.
func (c *Config) SetVersion(version string) {
	c.version = version
}

// SetBaseDir sets the directory source paths are shown relative to. It is
// also where the package-relative prebuilt location and the default output
// directory live.
func (c *Config) SetBaseDir(dir string) error {
	stat, err := os.Stat(dir)
	if err != nil || !stat.IsDir() {
		return &ConfigError{Op: "SetBaseDir", Reason: fmt.Sprintf("%s is not a directory", dir)}
	}
	c.basedir = filepath.Clean(dir)
	return nil
}

// ForcePrebuilt switches the pass to prebuilt mode: instead of compiling,
// it resolves an existing artifact set and only regenerates bindings.
func (c *Config) ForcePrebuilt(prebuilt bool) {
	c.prebuilt = prebuilt
}

// SetPrebuiltPath sets the explicit prebuilt artifact location searched
// first: a local directory, or a git URL fetched into the user cache.
func (c *Config) SetPrebuiltPath(pathOrURL string) {
	c.prebuiltPath = pathOrURL
}

// SetToolOutput streams stdout of external tools to w. Nil (the default)
// discards it; failures always carry captured stderr regardless.
func (c *Config) SetToolOutput(w io.Writer) {
	c.toolOutput = w
}

// Finalize validates the accumulated config and returns the immutable
// snapshot a pass runs from. It requires at least one source file and one
// target ISA unless prebuilt mode is forced.
func (c *Config) Finalize() (*BuildConfig, error) {
	var missing []string
	if len(c.sources) == 0 && !c.prebuilt {
		missing = append(missing, "source files")
	}
	if len(c.targets) == 0 && !c.prebuilt {
		missing = append(missing, "target isas")
	}
	if len(missing) > 0 {
		return nil, &IncompleteConfigError{Missing: missing}
	}

	basedir, err := filepath.Abs(c.basedir)
	if err != nil {
		return nil, &IOError{Op: "resolve base directory", Path: c.basedir, Err: err}
	}

	outDir := c.outDir
	if outDir == "" {
		outDir = filepath.Join(basedir, "ispc-out")
	}
	outDir, err = filepath.Abs(outDir)
	if err != nil {
		return nil, &IOError{Op: "resolve output directory", Path: c.outDir, Err: err}
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, &IOError{Op: "create output directory", Path: outDir, Err: err}
	}

	sources := make([]string, len(c.sources))
	for i, src := range c.sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, &IOError{Op: "resolve source path", Path: src, Err: err}
		}
		sources[i] = abs
	}

	return &BuildConfig{
		sources:        sources,
		includes:       slices.Clone(c.includes),
		defines:        slices.Clone(c.defines),
		optLevel:       c.optLevel,
		targets:        slices.Clone(c.targets),
		debug:          c.debug,
		mathLib:        c.mathLib,
		outDir:         outDir,
		extraFlags:     slices.Clone(c.extraFlags),
		linkFlags:      slices.Clone(c.linkFlags),
		addressing:     c.addressing,
		pic:            c.pic,
		targetOS:       c.targetOS,
		arch:           c.arch,
		werror:         c.werror,
		wnoPerf:        c.wnoPerf,
		forceAlignment: c.forceAlignment,
		instrument:     c.instrument,
		noAssertions:   c.noAssertions,
		quiet:          c.quiet,
		perTarget:      c.perTarget,
		jobs:           c.jobs,
		ispcPath:       c.ispcPath,
		bindgenPath:    c.bindgenPath,
		version:        c.version,
		basedir:        basedir,
		prebuilt:       c.prebuilt,
		prebuiltPath:   c.prebuiltPath,
		toolOutput:     c.toolOutput,
	}, nil
}

// BuildConfig is the immutable snapshot of a finalized Config. All paths
// are absolute.
type BuildConfig struct {
	sources    []string
	includes   []string
	defines    []define
	optLevel   OptLevel
	targets    []TargetISA
	debug      bool
	mathLib    MathLib
	outDir     string
	extraFlags []string
	linkFlags  []string

	addressing     Addressing
	pic            bool
	targetOS       TargetOS
	arch           Arch
	werror         bool
	wnoPerf        bool
	forceAlignment int
	instrument     bool
	noAssertions   bool
	quiet          bool

	perTarget   bool
	jobs        int
	ispcPath    string
	bindgenPath string
	version     string
	basedir     string

	prebuilt     bool
	prebuiltPath string

	toolOutput io.Writer
}

// Sources returns the kernel source files, in declaration order.
func (cfg *BuildConfig) Sources() []string {
	return slices.Clone(cfg.sources)
}

// Targets returns the requested ISAs, in declaration order.
func (cfg *BuildConfig) Targets() []TargetISA {
	return slices.Clone(cfg.targets)
}

// OutDir returns the output directory.
func (cfg *BuildConfig) OutDir() string {
	return cfg.outDir
}

// Version returns the library version, if one was set.
func (cfg *BuildConfig) Version() string {
	return cfg.version
}

// Prebuilt reports whether the pass runs in prebuilt mode.
func (cfg *BuildConfig) Prebuilt() bool {
	return cfg.prebuilt
}

// targetsWindows reports whether outputs follow Windows naming.
func (cfg *BuildConfig) targetsWindows() bool {
	if cfg.targetOS != "" {
		return cfg.targetOS == OSWindows
	}
	return runtime.GOOS == "windows"
}
