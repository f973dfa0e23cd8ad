package ispc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubRunner satisfies Runner without spawning processes. Every tool output
// is fabricated deterministically from the invocation and its input files,
// so rebuild decisions and artifact bytes behave like a real toolchain.
type stubRunner struct {
	mu  sync.Mutex
	log [][]string

	batch       int
	exitCode    map[string]int  // tool base name, forced exit code
	skipOutputs map[string]bool // exit zero without writing outputs
	headerFor   func(src, targets string) string
}

func (s *stubRunner) Run(ctx context.Context, argv []string, stdout io.Writer) (int, string, error) {
	tool := strings.TrimSuffix(filepath.Base(argv[0]), ".exe")

	s.mu.Lock()
	s.log = append(s.log, slices.Clone(argv))
	s.mu.Unlock()

	if code, ok := s.exitCode[tool]; ok {
		return code, tool + ": forced failure\n", nil
	}
	if s.skipOutputs[tool] {
		return 0, "", nil
	}

	var err error
	switch tool {
	case "ispc":
		err = s.runISPC(argv)
	case "cc":
		err = s.runCC(argv)
	case "ar":
		err = s.runAR(argv)
	case "ispc-bindgen":
		err = s.runBindgen(argv)
	default:
		err = fmt.Errorf("stub runner has no tool %q", tool)
	}
	if err != nil {
		return -1, "", err
	}
	return 0, "", nil
}

func (s *stubRunner) BatchLimit() int { return s.batch }

func (s *stubRunner) runISPC(argv []string) error {
	var obj, hdr, targets string
	for i, arg := range argv {
		switch {
		case arg == "-o":
			obj = argv[i+1]
		case arg == "-h":
			hdr = argv[i+1]
		case strings.HasPrefix(arg, "--target="):
			targets = strings.TrimPrefix(arg, "--target=")
		}
	}
	src := argv[len(argv)-1]
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	header := ""
	if s.headerFor != nil {
		header = s.headerFor(src, targets)
	}
	if header == "" {
		header = kernelHeader(src)
	}
	if err := os.WriteFile(hdr, []byte(header), 0644); err != nil {
		return err
	}
	objData := fmt.Sprintf("OBJ %s\n%s", strings.Join(argv[1:], " "), content)
	return os.WriteFile(obj, []byte(objData), 0644)
}

// kernelHeader fabricates what the kernel compiler would generate for a
// source file: one exported entry point named after the file.
func kernelHeader(src string) string {
	sym := cIdent(strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)))
	return fmt.Sprintf(`//
// %s
// (Header automatically generated by the ispc compiler.)
// DO NOT EDIT THIS FILE.
//

#pragma once
#include <stdint.h>

#ifdef __cplusplus
extern "C" {
#endif

void %s(float * data, int32_t count);

#ifdef __cplusplus
} /* end extern "C" */
#endif
`, filepath.Base(src), sym)
}

func (s *stubRunner) runCC(argv []string) error {
	var obj string
	for i, arg := range argv {
		if arg == "-o" {
			obj = argv[i+1]
		}
	}
	content, err := os.ReadFile(argv[len(argv)-1])
	if err != nil {
		return err
	}
	sum := sha256.Sum256(content)
	return os.WriteFile(obj, []byte("CCOBJ "+hex.EncodeToString(sum[:])+"\n"), 0644)
}

func (s *stubRunner) runAR(argv []string) error {
	if len(argv) < 3 || argv[1] != "rcs" {
		return fmt.Errorf("stub archiver expects the rcs form, got %v", argv)
	}
	var sb strings.Builder
	sb.WriteString("!<arch>\n")
	for _, member := range argv[3:] {
		data, err := os.ReadFile(member)
		if err != nil {
			return err
		}
		fmt.Fprintf(&sb, "%s/%d\n", filepath.Base(member), len(data))
		sb.Write(data)
	}
	return os.WriteFile(argv[2], []byte(sb.String()), 0644)
}

func (s *stubRunner) runBindgen(argv []string) error {
	header := argv[1]
	var out, pkg string
	for i, arg := range argv {
		switch arg {
		case "-o":
			out = argv[i+1]
		case "--package":
			pkg = argv[i+1]
		}
	}
	data, err := os.ReadFile(header)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(append([]byte(strings.Join(argv[1:], "\x00")+"\x00"), data...))
	src := fmt.Sprintf("// Code generated by ispc-bindgen. DO NOT EDIT.\npackage %s\n\nconst signatureDigest = %q\n",
		pkg, hex.EncodeToString(sum[:]))
	return os.WriteFile(out, []byte(src), 0644)
}

// calls returns every recorded invocation of one tool, by base name.
func (s *stubRunner) calls(tool string) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]string
	for _, argv := range s.log {
		if strings.TrimSuffix(filepath.Base(argv[0]), ".exe") == tool {
			out = append(out, slices.Clone(argv))
		}
	}
	return out
}

func (s *stubRunner) count(tool string) int {
	return len(s.calls(tool))
}

func (s *stubRunner) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

var testTools = toolset{ispc: "ispc", cc: "cc", ar: "ar", bindgen: "ispc-bindgen"}

func newTestPass(cfg *BuildConfig, name string, run Runner) *pass {
	return &pass{cfg: cfg, name: name, run: run, tools: testTools, hc: hashCache{}}
}

func runPass(t *testing.T, cfg *BuildConfig, name string, run Runner) *BuildResult {
	t.Helper()
	res, err := newTestPass(cfg, name, run).execute(context.Background())
	require.NoError(t, err)
	return res
}

func writeKernel(t *testing.T, dir, base, body string) string {
	t.Helper()
	path := filepath.Join(dir, base)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// kernelConfig builds the config the pass tests share: two explicit ISAs,
// a fixed target OS so output naming does not depend on the test host, and
// quiet mode to keep job lines out of the test output.
func kernelConfig(t *testing.T, dir string, srcs ...string) *Config {
	t.Helper()
	cfg := NewConfig()
	require.NoError(t, cfg.SetBaseDir(dir))
	require.NoError(t, cfg.SetOutDir(filepath.Join(dir, "out")))
	require.NoError(t, cfg.SetTargets(SSE4i32x4, AVX2i32x8))
	require.NoError(t, cfg.SetTargetOS(OSLinux))
	for _, src := range srcs {
		require.NoError(t, cfg.AddFile(src))
	}
	cfg.SetQuiet(true)
	return cfg
}

func finalize(t *testing.T, cfg *Config) *BuildConfig {
	t.Helper()
	bc, err := cfg.Finalize()
	require.NoError(t, err)
	return bc
}

func readState(t *testing.T, outDir string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(outDir, stateFileName))
	require.NoError(t, err)
	st := make(map[string]string)
	require.NoError(t, json.Unmarshal(data, &st))
	return st
}

func readFileStr(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
