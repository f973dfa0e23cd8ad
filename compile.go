// Package ispc compiles SIMD kernel sources with the ispc compiler into a
// target-specific static library plus generated bindings, rebuilding only
// the units whose inputs changed since the last pass.
package ispc

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MarijnS95/ispc-go/internal/toolchain"
)

// CompiledArtifact is the product of one compile unit: its object, its
// generated header, and the kernel symbols that header declares.
type CompiledArtifact struct {
	Object  string
	Header  string
	Symbols []string
}

// BuildResult is what one pass hands back to the surrounding build. The
// library and binding paths are the two outputs the caller wires into its
// own link and import steps, in both build modes.
type BuildResult struct {
	Library    string
	Bindings   string
	Header     string
	Artifacts  []CompiledArtifact
	Recompiled int
	Prebuilt   bool
}

// toolset holds the external binaries one pass shells out to.
type toolset struct {
	ispc    string
	cc      string
	ar      string
	bindgen string
}

// pass is one build run: a finalized config, a runner for external tools
// and the per-pass caches. Passes share nothing, so concurrent passes on
// different output directories are safe.
type pass struct {
	cfg   *BuildConfig
	name  string
	run   Runner
	tools toolset
	hc    hashCache
}

// Compile runs one orchestration pass for the named kernel library: from
// source by default, or resolving a prebuilt artifact set when the config
// forces prebuilt mode. On success the result carries the library and
// binding source paths. Any unit failure aborts the whole pass; no partial
// success is ever reported.
func Compile(ctx context.Context, cfg *BuildConfig, name string) (*BuildResult, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	tools, err := discoverTools(cfg)
	if err != nil {
		return nil, err
	}
	p := &pass{cfg: cfg, name: name, run: execRunner{}, tools: tools, hc: hashCache{}}
	return p.execute(ctx)
}

func checkName(name string) error {
	if name == "" {
		return &ConfigError{Op: "Compile", Reason: "library name is empty"}
	}
	if strings.ContainsAny(name, `/\`) {
		return &ConfigError{Op: "Compile", Reason: fmt.Sprintf("library name %q contains a path separator", name)}
	}
	return nil
}

// discoverTools locates every external binary the pass needs. Prebuilt
// passes only regenerate bindings, so only the signature generator is
// required there.
func discoverTools(cfg *BuildConfig) (toolset, error) {
	var tools toolset
	var err error

	if tools.bindgen, err = toolchain.FindBindgen(cfg.bindgenPath); err != nil {
		return tools, err
	}
	if cfg.prebuilt {
		return tools, nil
	}
	if tools.ispc, err = toolchain.FindISPC(cfg.ispcPath); err != nil {
		return tools, err
	}
	if tools.cc, err = toolchain.FindCC(); err != nil {
		return tools, err
	}
	if tools.ar, err = toolchain.FindArchiver(); err != nil {
		return tools, err
	}
	return tools, nil
}

func (p *pass) execute(ctx context.Context) (*BuildResult, error) {
	if p.cfg.prebuilt {
		return p.executePrebuilt(ctx)
	}
	return p.executeSource(ctx)
}

// executeSource is the from-source pass: expand, gate through the
// fingerprint cache, compile in parallel, merge headers, link, emit
// bindings, then persist the cache in one atomic flush.
func (p *pass) executeSource(ctx context.Context) (*BuildResult, error) {
	st := loadBuildState(p.cfg.outDir)
	units := expandUnits(p.cfg, p.run.BatchLimit())

	plans, err := p.planUnits(units, st)
	if err != nil {
		return nil, err
	}

	recompiled, err := p.compileUnits(ctx, plans, st)
	if err != nil {
		return nil, err
	}

	// Join barrier passed: every unit is on disk. Header merging runs
	// before anything is linked so signature conflicts abort early.
	parsed := make([][]declaration, len(units))
	artifacts := make([]CompiledArtifact, len(units))
	for i, unit := range units {
		decls, err := parseHeaderFile(unit.Header)
		if err != nil {
			return nil, err
		}
		parsed[i] = decls
		artifacts[i] = CompiledArtifact{
			Object:  unit.Object,
			Header:  unit.Header,
			Symbols: exportedSymbols(decls),
		}
	}
	merged, err := mergeDecls(parsed)
	if err != nil {
		return nil, err
	}
	header := filepath.Join(p.cfg.outDir, mergedHeaderName(p.name))
	if err := writeMergedHeader(header, p.name, merged); err != nil {
		return nil, err
	}

	glueObj, glueRan, err := p.ensureGlue(ctx, st)
	if err != nil {
		return nil, err
	}
	objs := make([]string, 0, len(units)+1)
	objs = append(objs, glueObj)
	for _, unit := range units {
		objs = append(objs, unit.Object)
	}
	library, linked, err := p.linkLibrary(ctx, objs, st)
	if err != nil {
		return nil, err
	}

	if linked || !outputIntact(filepath.Join(p.cfg.outDir, markerName(p.name))) {
		marker := newModuleMarker(p.cfg, p.name, library, header)
		if err := writeModuleMarker(p.cfg.outDir, marker); err != nil {
			return nil, err
		}
	}

	bindings, bindgenRan, err := p.emitBindings(ctx, header, st)
	if err != nil {
		return nil, err
	}

	if err := st.flush(); err != nil {
		return nil, &IOError{Op: "write build state", Path: st.path, Err: err}
	}

	if recompiled == 0 && !glueRan && !linked && !bindgenRan && !p.cfg.quiet {
		fmt.Println("ispcgo: no work to do.")
	}

	return &BuildResult{
		Library:    library,
		Bindings:   bindings,
		Header:     header,
		Artifacts:  artifacts,
		Recompiled: recompiled,
	}, nil
}

// executePrebuilt resolves an existing artifact set and rejoins the shared
// tail: the merged header is rebuilt from the set's header and bindings
// are regenerated, so the output contract is the same in both modes. The
// library itself is consumed where it lies.
func (p *pass) executePrebuilt(ctx context.Context) (*BuildResult, error) {
	set, err := resolvePrebuilt(ctx, p.cfg, p.name)
	if err != nil {
		return nil, err
	}

	decls, err := parseHeaderFile(set.Header)
	if err != nil {
		return nil, err
	}
	merged, err := mergeDecls([][]declaration{decls})
	if err != nil {
		return nil, err
	}
	header := filepath.Join(p.cfg.outDir, mergedHeaderName(p.name))
	if err := writeMergedHeader(header, p.name, merged); err != nil {
		return nil, err
	}

	st := loadBuildState(p.cfg.outDir)
	bindings, ran, err := p.emitBindings(ctx, header, st)
	if err != nil {
		return nil, err
	}
	if ran {
		if err := st.flush(); err != nil {
			return nil, &IOError{Op: "write build state", Path: st.path, Err: err}
		}
	}

	return &BuildResult{
		Library:  set.Library,
		Bindings: bindings,
		Header:   header,
		Artifacts: []CompiledArtifact{{
			Object:  set.Library,
			Header:  set.Header,
			Symbols: exportedSymbols(decls),
		}},
		Prebuilt: true,
	}, nil
}
