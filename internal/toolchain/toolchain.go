// Package toolchain locates the external binaries a build pass shells out
// to: the kernel compiler, a C compiler for the glue object, an archiver
// and the binding generator.
package toolchain

import (
	"fmt"
	"os"
	"os/exec"
)

var commonCCompilers = []string{"clang", "gcc", "icx", "icc", "tcc", "cl"}

var commonArchivers = []string{"llvm-ar", "ar"}

// FindISPC locates the kernel compiler: explicit override first, then the
// ISPC environment variable, then the PATH.
func FindISPC(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv("ISPC"); env != "" {
		return env, nil
	}
	if path, err := exec.LookPath("ispc"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("no ispc compiler found: set $ISPC or install ispc from https://ispc.github.io")
}

// FindCC locates a C compiler for the glue object: the CC environment
// variable, then well-known compiler names on the PATH.
func FindCC() (string, error) {
	if cc := os.Getenv("CC"); cc != "" {
		return cc, nil
	}
	for _, compiler := range commonCCompilers {
		if path, err := exec.LookPath(compiler); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no C compiler found: set $CC or install one of %v", commonCCompilers)
}

// FindArchiver locates the static-library archiver: the AR environment
// variable, then well-known archiver names, then lib.exe from an installed
// Visual Studio toolset on Windows hosts.
func FindArchiver() (string, error) {
	if ar := os.Getenv("AR"); ar != "" {
		return ar, nil
	}
	for _, archiver := range commonArchivers {
		if path, err := exec.LookPath(archiver); err == nil {
			return path, nil
		}
	}
	if lib := findLibExe(); lib != "" {
		return lib, nil
	}
	return "", fmt.Errorf("no archiver found: set $AR or install one of %v", commonArchivers)
}

// FindBindgen locates the signature generator: explicit override first,
// then the ISPC_BINDGEN environment variable, then the PATH.
func FindBindgen(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv("ISPC_BINDGEN"); env != "" {
		return env, nil
	}
	if path, err := exec.LookPath("ispc-bindgen"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("no binding generator found: set $ISPC_BINDGEN or install ispc-bindgen")
}
