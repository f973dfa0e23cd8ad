package ispc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// compileArgv builds the deterministic kernel compiler command line for
// one unit: config-derived flags first, defines and include paths in
// declared order, opaque extra flags, then the target set, the output
// paths and the positional source.
func compileArgv(cfg *BuildConfig, ispcPath string, unit TargetUnit) []string {
	args := []string{ispcPath}
	args = append(args, fmt.Sprintf("-O%d", cfg.optLevel))
	if cfg.debug {
		args = append(args, "-g")
	}
	if cfg.mathLib != MathDefault {
		args = append(args, "--math-lib="+string(cfg.mathLib))
	}
	if cfg.addressing != 0 {
		args = append(args, fmt.Sprintf("--addressing=%d", cfg.addressing))
	}
	if cfg.pic {
		args = append(args, "--pic")
	}
	if cfg.arch != "" {
		args = append(args, "--arch="+string(cfg.arch))
	}
	if cfg.targetOS != "" {
		args = append(args, "--target-os="+string(cfg.targetOS))
	}
	if cfg.werror {
		args = append(args, "--werror")
	}
	if cfg.wnoPerf {
		args = append(args, "--wno-perf")
	}
	if cfg.forceAlignment > 0 {
		args = append(args, fmt.Sprintf("--force-alignment=%d", cfg.forceAlignment))
	}
	if cfg.instrument {
		args = append(args, "--instrument")
	}
	if cfg.noAssertions {
		args = append(args, "--no-assertions")
	}
	if cfg.quiet {
		args = append(args, "--quiet")
	}
	for _, d := range cfg.defines {
		if d.Value != "" {
			args = append(args, "-D"+d.Key+"="+d.Value)
		} else {
			args = append(args, "-D"+d.Key)
		}
	}
	for _, inc := range cfg.includes {
		args = append(args, "-I"+inc)
	}
	args = append(args, cfg.extraFlags...)
	args = append(args, "--target="+joinISAs(unit.ISAs, ","))
	args = append(args, "-o", unit.Object, "-h", unit.Header)
	args = append(args, unit.Source)
	return args
}

// CompileCommand returns the exact compiler argv a unit would be built
// with, for manual reproduction or inspection. The binary is the config
// override when set.
func CompileCommand(cfg *BuildConfig, unit TargetUnit) []string {
	tool := cfg.ispcPath
	if tool == "" {
		tool = "ispc"
	}
	return compileArgv(cfg, tool, unit)
}

// unitPlan is one unit plus the tracker's verdict on it.
type unitPlan struct {
	unit    TargetUnit
	argv    []string
	fp      string
	rebuild bool
}

// planUnits fingerprints every unit and decides which need the compiler.
// A unit is skipped only when its fingerprint matches the recorded one and
// both declared outputs still exist.
func (p *pass) planUnits(units []TargetUnit, st *buildState) ([]unitPlan, error) {
	plans := make([]unitPlan, 0, len(units))
	for _, unit := range units {
		srcHash, err := p.hc.fileHash(unit.Source)
		if err != nil {
			return nil, &IOError{Op: "hash source file", Path: unit.Source, Err: err}
		}
		argv := compileArgv(p.cfg, p.tools.ispc, unit)
		fp := unitFingerprint(srcHash, argv)
		plans = append(plans, unitPlan{
			unit:    unit,
			argv:    argv,
			fp:      fp,
			rebuild: !st.upToDate(unit.ID(), fp) || !outputIntact(unit.Object) || !outputIntact(unit.Header),
		})
	}
	return plans, nil
}

// compileUnits runs the compiler for every unit that needs rebuilding, in
// parallel, and returns after all of them finished or the first failure
// has been joined. Fingerprints are recorded only after the barrier.
func (p *pass) compileUnits(ctx context.Context, plans []unitPlan, st *buildState) (int, error) {
	var todo []unitPlan
	for _, plan := range plans {
		if plan.rebuild {
			todo = append(todo, plan)
		}
	}

	if err := runJobs(ctx, todo, p.runCompile, p.cfg.jobs); err != nil {
		return 0, err
	}

	for _, plan := range plans {
		st.record(plan.unit.ID(), plan.fp)
	}
	return len(todo), nil
}

// runCompile executes one compiler invocation and verifies its contract:
// exit zero and both declared outputs present and non-empty.
func (p *pass) runCompile(ctx context.Context, plan unitPlan) error {
	for _, dir := range []string{filepath.Dir(plan.unit.Object), filepath.Dir(plan.unit.Header)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &IOError{Op: "create output directory", Path: dir, Err: err}
		}
	}

	if !p.cfg.quiet {
		fmt.Printf("ISPC %s\n", plan.unit.ID())
	}

	exit, stderr, err := p.run.Run(ctx, plan.argv, p.cfg.toolOutput)
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", plan.argv[0], err)
	}
	if exit != 0 {
		return &CompileError{Unit: plan.unit.ID(), Command: plan.argv, ExitCode: exit, Stderr: stderr}
	}
	for _, out := range []string{plan.unit.Object, plan.unit.Header} {
		if !outputIntact(out) {
			return &ToolchainContractError{Unit: plan.unit.ID(), Path: out}
		}
	}
	if stderr != "" && !p.cfg.quiet {
		fmt.Fprint(os.Stderr, stderr)
	}
	return nil
}

// outputIntact reports whether a declared tool output exists and is
// non-empty.
func outputIntact(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && stat.Size() > 0
}

// runJobs runs jobs in parallel, bounded by limit. The first failure
// cancels the group context so jobs that have not started yet bail out
// before spawning anything; jobs already running finish on their own, and
// runJobs returns only after every started job has.
func runJobs[T any](ctx context.Context, jobs []T, jobfunc func(context.Context, T) error, limit int) error {
	if len(jobs) == 0 {
		return nil
	}
	if limit < 1 {
		limit = runtime.NumCPU()
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)

	for _, job := range jobs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return jobfunc(ctx, job)
		})
	}

	return eg.Wait()
}
