package ispc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// libraryName follows the target platform's static library convention.
func libraryName(name string, windows bool) string {
	if windows {
		return name + ".lib"
	}
	return "lib" + name + ".a"
}

// archiveArgv builds the archiver command: objects in the deterministic
// expansion order, extra link flags passed through unchanged at the end.
func archiveArgv(cfg *BuildConfig, arPath, out string, objs []string) []string {
	var args []string
	if strings.TrimSuffix(strings.ToLower(filepath.Base(arPath)), ".exe") == "lib" {
		args = append(args, arPath, "/nologo", "/OUT:"+out)
	} else {
		args = append(args, arPath, "rcs", out)
	}
	args = append(args, objs...)
	args = append(args, cfg.linkFlags...)
	return args
}

// ensureGlue writes the glue source when its content changed and compiles
// it unless the recorded fingerprint and object are both intact. Returns
// the glue object path and whether the compiler ran.
func (p *pass) ensureGlue(ctx context.Context, st *buildState) (string, bool, error) {
	glueSrc := filepath.Join(p.cfg.outDir, p.name+"_glue.c")
	objExt := ".o"
	if p.cfg.targetsWindows() {
		objExt = ".obj"
	}
	glueObj := filepath.Join(p.cfg.outDir, "objs", p.name+"_glue"+objExt)

	content := glueSource(p.name, p.cfg.version)
	if prev, err := os.ReadFile(glueSrc); err != nil || string(prev) != content {
		if err := os.WriteFile(glueSrc, []byte(content), 0644); err != nil {
			return "", false, &IOError{Op: "write glue source", Path: glueSrc, Err: err}
		}
	}

	argv := glueArgv(p.cfg, p.tools.cc, glueSrc, glueObj)
	id := "@glue/" + p.name
	fp := unitFingerprint(fingerprintFields(content), argv)
	st.record(id, fp)
	if st.upToDate(id, fp) && outputIntact(glueObj) {
		return glueObj, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(glueObj), 0755); err != nil {
		return "", false, &IOError{Op: "create output directory", Path: filepath.Dir(glueObj), Err: err}
	}
	if !p.cfg.quiet {
		fmt.Printf("CC %s\n", glueSrc)
	}
	exit, stderr, err := p.run.Run(ctx, argv, p.cfg.toolOutput)
	if err != nil {
		return "", false, fmt.Errorf("failed to run %s: %w", p.tools.cc, err)
	}
	if exit != 0 {
		return "", false, &LinkError{Out: glueObj, Command: argv, ExitCode: exit, Stderr: stderr}
	}
	if !outputIntact(glueObj) {
		return "", false, &LinkError{Out: glueObj, Command: argv, ExitCode: exit,
			Stderr: "compiler exited zero but produced no glue object"}
	}
	return glueObj, true, nil
}

// linkLibrary archives the glue object and every unit object, in exactly
// the order the expander produced them, into the static library. The
// archive step is skipped when nothing feeding it changed and the library
// is still on disk.
func (p *pass) linkLibrary(ctx context.Context, objs []string, st *buildState) (string, bool, error) {
	out := filepath.Join(p.cfg.outDir, libraryName(p.name, p.cfg.targetsWindows()))
	argv := archiveArgv(p.cfg, p.tools.ar, out, objs)

	fields := make([]string, 0, len(argv)+len(objs))
	fields = append(fields, argv...)
	for _, obj := range objs {
		hash, err := p.hc.fileHash(obj)
		if err != nil {
			return "", false, &IOError{Op: "hash object file", Path: obj, Err: err}
		}
		fields = append(fields, hash)
	}
	id := "@link/" + p.name
	fp := fingerprintFields(fields...)
	st.record(id, fp)
	if st.upToDate(id, fp) && outputIntact(out) {
		return out, false, nil
	}

	// ar rcs updates archives in place, which would keep members whose
	// units no longer exist. Start from scratch instead.
	if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
		return "", false, &IOError{Op: "remove stale library", Path: out, Err: err}
	}

	if !p.cfg.quiet {
		fmt.Printf("AR %s\n", out)
	}
	exit, stderr, err := p.run.Run(ctx, argv, p.cfg.toolOutput)
	if err != nil {
		return "", false, fmt.Errorf("failed to run %s: %w", p.tools.ar, err)
	}
	if exit != 0 {
		return "", false, &LinkError{Out: out, Command: argv, ExitCode: exit, Stderr: stderr}
	}
	if !outputIntact(out) {
		return "", false, &LinkError{Out: out, Command: argv, ExitCode: exit,
			Stderr: "archiver exited zero but produced no archive"}
	}
	return out, true, nil
}
