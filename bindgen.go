package ispc

import (
	"context"
	"fmt"
	"path/filepath"
)

// bindgenArgv builds the signature generator command: the merged header,
// the binding output path and package, plus the pass's defines and include
// paths in declared order.
func bindgenArgv(cfg *BuildConfig, tool, header, out, pkg string) []string {
	args := []string{tool, header, "-o", out, "--package", pkg}
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
	return args
}

// emitBindings hands the merged header to the external signature generator
// and passes its output file through unchanged. The generator is skipped
// when neither the header nor the generator command changed since the last
// successful pass.
func (p *pass) emitBindings(ctx context.Context, header string, st *buildState) (string, bool, error) {
	out := filepath.Join(p.cfg.outDir, p.name+"_ispc.go")
	argv := bindgenArgv(p.cfg, p.tools.bindgen, header, out, cIdent(p.name))

	headerHash, err := p.hc.fileHash(header)
	if err != nil {
		return "", false, &IOError{Op: "hash merged header", Path: header, Err: err}
	}
	id := "@bindgen/" + p.name
	fp := unitFingerprint(headerHash, argv)
	st.record(id, fp)
	if st.upToDate(id, fp) && outputIntact(out) {
		return out, false, nil
	}

	if !p.cfg.quiet {
		fmt.Printf("BINDGEN %s\n", out)
	}
	exit, stderr, err := p.run.Run(ctx, argv, p.cfg.toolOutput)
	if err != nil {
		return "", false, fmt.Errorf("failed to run %s: %w", p.tools.bindgen, err)
	}
	if exit != 0 {
		return "", false, &BindingGenerationError{Header: header, Command: argv, ExitCode: exit, Stderr: stderr}
	}
	if !outputIntact(out) {
		return "", false, &BindingGenerationError{Header: header, Command: argv, ExitCode: exit,
			Stderr: "generator exited zero but produced no bindings"}
	}
	return out, true, nil
}
