package ispc

import (
	"fmt"
	"strings"
)

// ConfigError reports an invalid configuration mutation.
type ConfigError struct {
	Op     string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Op, e.Reason)
}

// UnsupportedTargetError reports a target ISA the compiler does not know.
type UnsupportedTargetError struct {
	ISA string
}

func (e *UnsupportedTargetError) Error() string {
	return fmt.Sprintf("unsupported target isa %q, known targets: %s",
		e.ISA, joinISAs(KnownISAs(), ", "))
}

// IncompleteConfigError reports a finalize attempt on a config that is
// missing required fields.
type IncompleteConfigError struct {
	Missing []string
}

func (e *IncompleteConfigError) Error() string {
	return "incomplete config: missing " + strings.Join(e.Missing, ", ")
}

// CompileError reports a kernel compiler invocation that exited nonzero.
// Command is the full argv, so the failure can be reproduced by hand.
type CompileError struct {
	Unit     string
	Command  []string
	ExitCode int
	Stderr   string
}

func (e *CompileError) Error() string {
	s := fmt.Sprintf("compiling %s failed (exit code %d)\ncommand: %s",
		e.Unit, e.ExitCode, strings.Join(e.Command, " "))
	if stderr := strings.TrimRight(e.Stderr, "\n"); stderr != "" {
		s += "\n" + stderr
	}
	return s
}

// ToolchainContractError reports a tool that exited zero without producing
// the output it was asked for.
type ToolchainContractError struct {
	Unit string
	Path string
}

func (e *ToolchainContractError) Error() string {
	return fmt.Sprintf("compiler reported success for %s but output %s is missing or empty",
		e.Unit, e.Path)
}

// LinkError reports a native toolchain failure while producing the library,
// either compiling the glue object or archiving.
type LinkError struct {
	Out      string
	Command  []string
	ExitCode int
	Stderr   string
}

func (e *LinkError) Error() string {
	s := fmt.Sprintf("linking %s failed (exit code %d)\ncommand: %s",
		e.Out, e.ExitCode, strings.Join(e.Command, " "))
	if stderr := strings.TrimRight(e.Stderr, "\n"); stderr != "" {
		s += "\n" + stderr
	}
	return s
}

// HeaderConflictError reports two compile units declaring the same symbol
// with incompatible signatures. It usually means a stale output directory
// or an inconsistent target configuration.
type HeaderConflictError struct {
	Symbol       string
	FirstOrigin  string
	First        string
	SecondOrigin string
	Second       string
	Diff         string
}

func (e *HeaderConflictError) Error() string {
	s := fmt.Sprintf("conflicting declarations of %q:\n  %s: %s\n  %s: %s",
		e.Symbol, e.FirstOrigin, e.First, e.SecondOrigin, e.Second)
	if e.Diff != "" {
		s += "\n" + strings.TrimRight(e.Diff, "\n")
	}
	return s
}

// BindingGenerationError reports a signature generator failure.
type BindingGenerationError struct {
	Header   string
	Command  []string
	ExitCode int
	Stderr   string
}

func (e *BindingGenerationError) Error() string {
	s := fmt.Sprintf("generating bindings for %s failed (exit code %d)\ncommand: %s",
		e.Header, e.ExitCode, strings.Join(e.Command, " "))
	if stderr := strings.TrimRight(e.Stderr, "\n"); stderr != "" {
		s += "\n" + stderr
	}
	return s
}

// ArtifactNotFoundError reports that no prebuilt artifact set was found at
// any searched location.
type ArtifactNotFoundError struct {
	Name     string
	Searched []string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("no prebuilt artifact set for %q, searched:\n  %s",
		e.Name, strings.Join(e.Searched, "\n  "))
}

// ArtifactVersionMismatchError reports a prebuilt artifact set whose
// identity marker does not match what the build requires.
type ArtifactVersionMismatchError struct {
	Path        string
	WantName    string
	WantVersion string
	GotName     string
	GotVersion  string
}

func (e *ArtifactVersionMismatchError) Error() string {
	return fmt.Sprintf("prebuilt artifact set at %s is %s %s, want %s %s",
		e.Path, e.GotName, orAny(e.GotVersion), e.WantName, orAny(e.WantVersion))
}

func orAny(version string) string {
	if version == "" {
		return "(unversioned)"
	}
	return version
}

// IOError reports a filesystem failure while preparing or writing build
// outputs.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
