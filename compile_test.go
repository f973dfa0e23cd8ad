package ispc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileFromSource_FirstRun_ProducesAllArtifacts(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	beta := writeKernel(t, dir, "beta.ispc", "export void beta() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha, beta))

	stub := &stubRunner{}
	res := runPass(t, bc, "kern", stub)

	assert.Equal(t, 2, res.Recompiled)
	assert.False(t, res.Prebuilt)
	assert.Equal(t, 2, stub.count("ispc"))
	assert.Equal(t, 1, stub.count("cc"))
	assert.Equal(t, 1, stub.count("ar"))
	assert.Equal(t, 1, stub.count("ispc-bindgen"))

	assert.Equal(t, filepath.Join(bc.OutDir(), "libkern.a"), res.Library)
	assert.Equal(t, filepath.Join(bc.OutDir(), "kern_ispc.h"), res.Header)
	assert.Equal(t, filepath.Join(bc.OutDir(), "kern_ispc.go"), res.Bindings)
	for _, path := range []string{res.Library, res.Header, res.Bindings} {
		assert.True(t, outputIntact(path), "expected %s to be written", path)
	}

	header := readFileStr(t, res.Header)
	assert.True(t, strings.HasPrefix(header, "/* Interface of the kern kernel library."), header)
	assert.Contains(t, header, "void alpha(float * data, int32_t count);")
	assert.Contains(t, header, "void beta(float * data, int32_t count);")

	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, []string{"alpha"}, res.Artifacts[0].Symbols)
	assert.Equal(t, []string{"beta"}, res.Artifacts[1].Symbols)
	for _, artifact := range res.Artifacts {
		assert.True(t, outputIntact(artifact.Object))
		assert.True(t, outputIntact(artifact.Header))
	}

	var marker ModuleMarker
	data, err := os.ReadFile(filepath.Join(bc.OutDir(), markerName("kern")))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &marker))
	assert.Equal(t, "kern", marker.Name)
	assert.Equal(t, "libkern.a", marker.Library)
	assert.Equal(t, "kern_ispc.h", marker.Header)
	assert.Equal(t, []TargetISA{SSE4i32x4, AVX2i32x8}, marker.Targets)
	assert.NotEmpty(t, marker.BuildID)
	assert.False(t, marker.Created.IsZero())

	st := readState(t, bc.OutDir())
	assert.Len(t, st, 5)
	assert.Contains(t, st, "alpha.ispc@avx2-i32x8,sse4-i32x4")
	assert.Contains(t, st, "beta.ispc@avx2-i32x8,sse4-i32x4")
	assert.Contains(t, st, "@glue/kern")
	assert.Contains(t, st, "@link/kern")
	assert.Contains(t, st, "@bindgen/kern")
}

func TestCompileFromSource_SecondRun_DoesNoWork(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	beta := writeKernel(t, dir, "beta.ispc", "export void beta() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha, beta))

	res1 := runPass(t, bc, "kern", &stubRunner{})
	library := readFileStr(t, res1.Library)
	header := readFileStr(t, res1.Header)
	bindings := readFileStr(t, res1.Bindings)
	marker := readFileStr(t, filepath.Join(bc.OutDir(), markerName("kern")))

	stub := &stubRunner{}
	res2 := runPass(t, bc, "kern", stub)

	assert.Zero(t, stub.total(), "second pass must not invoke any tool")
	assert.Zero(t, res2.Recompiled)
	assert.Equal(t, res1.Library, res2.Library)
	assert.Equal(t, library, readFileStr(t, res2.Library))
	assert.Equal(t, header, readFileStr(t, res2.Header))
	assert.Equal(t, bindings, readFileStr(t, res2.Bindings))
	assert.Equal(t, marker, readFileStr(t, filepath.Join(bc.OutDir(), markerName("kern"))))
}

func TestCompileFromSource_SourceChange_RebuildsOnlyItsUnit(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	beta := writeKernel(t, dir, "beta.ispc", "export void beta() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha, beta))

	runPass(t, bc, "kern", &stubRunner{})
	require.NoError(t, os.WriteFile(beta, []byte("export void beta() { /* v2 */ }\n"), 0644))

	stub := &stubRunner{}
	res := runPass(t, bc, "kern", stub)

	assert.Equal(t, 1, res.Recompiled)
	compiles := stub.calls("ispc")
	require.Len(t, compiles, 1)
	assert.Equal(t, beta, compiles[0][len(compiles[0])-1])
	assert.Zero(t, stub.count("cc"), "glue does not depend on kernel sources")
	assert.Equal(t, 1, stub.count("ar"), "changed object must be rearchived")
	assert.Zero(t, stub.count("ispc-bindgen"), "unchanged interface must not regenerate bindings")
}

func TestCompileFromSource_DefineChange_RebuildsUnitsAndBindings(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	beta := writeKernel(t, dir, "beta.ispc", "export void beta() {}\n")
	runPass(t, finalize(t, kernelConfig(t, dir, alpha, beta)), "kern", &stubRunner{})

	cfg := kernelConfig(t, dir, alpha, beta)
	cfg.Define("SIMD_WIDTH", "8")
	bc := finalize(t, cfg)

	stub := &stubRunner{}
	res := runPass(t, bc, "kern", stub)

	assert.Equal(t, 2, res.Recompiled)
	for _, argv := range stub.calls("ispc") {
		assert.Contains(t, argv, "-DSIMD_WIDTH=8")
	}
	assert.Zero(t, stub.count("cc"), "glue command carries no defines")
	assert.Equal(t, 1, stub.count("ar"))
	bindgens := stub.calls("ispc-bindgen")
	require.Len(t, bindgens, 1)
	assert.Contains(t, bindgens[0], "-DSIMD_WIDTH=8")
}

func TestCompileFromSource_DeletedStateFile_ReproducesArtifactsByteForByte(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	beta := writeKernel(t, dir, "beta.ispc", "export void beta() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha, beta))

	res1 := runPass(t, bc, "kern", &stubRunner{})
	library := readFileStr(t, res1.Library)
	header := readFileStr(t, res1.Header)
	bindings := readFileStr(t, res1.Bindings)

	require.NoError(t, os.Remove(filepath.Join(bc.OutDir(), stateFileName)))

	stub := &stubRunner{}
	res2 := runPass(t, bc, "kern", stub)

	assert.Equal(t, 2, res2.Recompiled)
	assert.Equal(t, 1, stub.count("cc"))
	assert.Equal(t, 1, stub.count("ar"))
	assert.Equal(t, 1, stub.count("ispc-bindgen"))
	assert.Equal(t, library, readFileStr(t, res2.Library))
	assert.Equal(t, header, readFileStr(t, res2.Header))
	assert.Equal(t, bindings, readFileStr(t, res2.Bindings))
}

func TestCompileFromSource_DeletedLibrary_RelinksWithoutRecompiling(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha))

	res1 := runPass(t, bc, "kern", &stubRunner{})
	require.NoError(t, os.Remove(res1.Library))

	stub := &stubRunner{}
	res2 := runPass(t, bc, "kern", stub)

	assert.Zero(t, res2.Recompiled)
	assert.Zero(t, stub.count("ispc"))
	assert.Zero(t, stub.count("cc"))
	assert.Equal(t, 1, stub.count("ar"))
	assert.True(t, outputIntact(res2.Library))
}

func TestCompileFromSource_CompilerFailure_AbortsWithoutStateWrite(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha))

	stub := &stubRunner{exitCode: map[string]int{"ispc": 1}}
	_, err := newTestPass(bc, "kern", stub).execute(context.Background())

	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "alpha.ispc@avx2-i32x8,sse4-i32x4", cerr.Unit)
	assert.Equal(t, 1, cerr.ExitCode)
	assert.Equal(t, "ispc", cerr.Command[0])
	assert.Contains(t, cerr.Stderr, "forced failure")

	assert.Zero(t, stub.count("cc"))
	assert.Zero(t, stub.count("ar"))
	assert.Zero(t, stub.count("ispc-bindgen"))
	_, serr := os.Stat(filepath.Join(bc.OutDir(), stateFileName))
	assert.True(t, os.IsNotExist(serr), "failed pass must not persist fingerprints")
}

func TestCompileFromSource_MissingDeclaredOutput_IsContractViolation(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha))
	unit := expandUnits(bc, 0)[0]

	stub := &stubRunner{skipOutputs: map[string]bool{"ispc": true}}
	_, err := newTestPass(bc, "kern", stub).execute(context.Background())

	var terr *ToolchainContractError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, unit.ID(), terr.Unit)
	assert.Equal(t, unit.Object, terr.Path)
	assert.Contains(t, terr.Error(), "reported success")
}

func TestCompileFromSource_HeaderConflict_AbortsBeforeLinking(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void shared_kernel() {}\n")
	beta := writeKernel(t, dir, "beta.ispc", "export void shared_kernel() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha, beta))

	stub := &stubRunner{headerFor: func(src, _ string) string {
		sig := "void shared_kernel(float * data, int32_t count);"
		if strings.Contains(src, "beta") {
			sig = "void shared_kernel(double * data, int64_t count);"
		}
		return "#pragma once\n\n" + sig + "\n"
	}}
	_, err := newTestPass(bc, "kern", stub).execute(context.Background())

	var herr *HeaderConflictError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "shared_kernel", herr.Symbol)
	assert.Contains(t, herr.FirstOrigin, "alpha.ispc")
	assert.Contains(t, herr.SecondOrigin, "beta.ispc")
	assert.NotEmpty(t, herr.Diff)

	assert.Zero(t, stub.count("cc"))
	assert.Zero(t, stub.count("ar"), "conflicting headers must never reach the archiver")
	assert.Zero(t, stub.count("ispc-bindgen"))
	_, serr := os.Stat(filepath.Join(bc.OutDir(), mergedHeaderName("kern")))
	assert.True(t, os.IsNotExist(serr))
	_, serr = os.Stat(filepath.Join(bc.OutDir(), stateFileName))
	assert.True(t, os.IsNotExist(serr))
}

func TestCompileFromSource_SharedDeclarationsDeduplicate(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	beta := writeKernel(t, dir, "beta.ispc", "export void beta() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha, beta))

	stub := &stubRunner{headerFor: func(src, _ string) string {
		sym := cIdent(strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)))
		return fmt.Sprintf("#pragma once\nstruct vec3 { float x, y, z; };\nvoid %s(struct vec3 * v, int32_t n);\n", sym)
	}}
	res := runPass(t, bc, "kern", stub)

	header := readFileStr(t, res.Header)
	assert.Equal(t, 1, strings.Count(header, "struct vec3 {"), "shared struct must merge into one declaration")
	assert.Contains(t, header, "void alpha(struct vec3 * v, int32_t n);")
	assert.Contains(t, header, "void beta(struct vec3 * v, int32_t n);")
	assert.Equal(t, []string{"alpha"}, res.Artifacts[0].Symbols)
	assert.Equal(t, []string{"beta"}, res.Artifacts[1].Symbols)
}

func TestCompileFromSource_PerTargetObjects_TwoISAs(t *testing.T) {
	dir := t.TempDir()
	src := writeKernel(t, dir, "kern.ispc", "export void kern() {}\n")
	cfg := kernelConfig(t, dir, src)
	cfg.PerTargetObjects(true)
	bc := finalize(t, cfg)

	stub := &stubRunner{}
	res1 := runPass(t, bc, "kern", stub)

	assert.Equal(t, 2, res1.Recompiled)
	assert.Equal(t, 2, stub.count("ispc"), "one invocation per (source, isa) pair")
	st := readState(t, bc.OutDir())
	assert.Contains(t, st, "kern.ispc@avx2-i32x8")
	assert.Contains(t, st, "kern.ispc@sse4-i32x4")

	again := &stubRunner{}
	res2 := runPass(t, bc, "kern", again)
	assert.Zero(t, again.total())
	assert.Equal(t, res1.Library, res2.Library)
}

func TestCompileFromSource_BatchLimitSplitsInvocations(t *testing.T) {
	dir := t.TempDir()
	src := writeKernel(t, dir, "kern.ispc", "export void kern() {}\n")
	cfg := kernelConfig(t, dir, src)
	require.NoError(t, cfg.SetTargets(SSE2i32x4, SSE4i32x4, AVX2i32x8))
	bc := finalize(t, cfg)

	stub := &stubRunner{batch: 2}
	res := runPass(t, bc, "kern", stub)

	assert.Equal(t, 2, res.Recompiled)
	var targets []string
	for _, argv := range stub.calls("ispc") {
		for _, arg := range argv {
			if rest, ok := strings.CutPrefix(arg, "--target="); ok {
				targets = append(targets, rest)
			}
		}
	}
	assert.ElementsMatch(t, []string{"avx2-i32x8,sse2-i32x4", "sse4-i32x4"}, targets)
}

func TestCompileFromSource_CancelledContext_RunsNothing(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stub := &stubRunner{}
	_, err := newTestPass(bc, "kern", stub).execute(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stub.total())
}

func TestCompile_RejectsBadLibraryNames(t *testing.T) {
	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha))

	for _, name := range []string{"", "a/b", `a\b`} {
		_, err := Compile(context.Background(), bc, name)
		var cerr *ConfigError
		require.ErrorAs(t, err, &cerr, "name %q", name)
	}
}

func TestDiscoverTools(t *testing.T) {
	t.Setenv("ISPC", "/opt/ispc/bin/ispc")
	t.Setenv("CC", "/usr/bin/cc")
	t.Setenv("AR", "/usr/bin/ar")
	t.Setenv("ISPC_BINDGEN", "/opt/ispc/bin/ispc-bindgen")

	dir := t.TempDir()
	alpha := writeKernel(t, dir, "alpha.ispc", "export void alpha() {}\n")
	bc := finalize(t, kernelConfig(t, dir, alpha))

	tools, err := discoverTools(bc)
	require.NoError(t, err)
	assert.Equal(t, toolset{
		ispc:    "/opt/ispc/bin/ispc",
		cc:      "/usr/bin/cc",
		ar:      "/usr/bin/ar",
		bindgen: "/opt/ispc/bin/ispc-bindgen",
	}, tools)

	prebuilt := NewConfig()
	require.NoError(t, prebuilt.SetBaseDir(dir))
	require.NoError(t, prebuilt.SetOutDir(filepath.Join(dir, "out")))
	prebuilt.ForcePrebuilt(true)
	tools, err = discoverTools(finalize(t, prebuilt))
	require.NoError(t, err)
	assert.Equal(t, toolset{bindgen: "/opt/ispc/bin/ispc-bindgen"}, tools)
}
