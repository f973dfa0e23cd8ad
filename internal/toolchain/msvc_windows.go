//go:build windows

package toolchain

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/heaths/go-vssetup"
)

// findLibExe queries the Visual Studio setup API for installed instances
// and picks lib.exe from the newest MSVC toolset it finds.
func findLibExe() string {
	instances, err := vssetup.Instances(false)
	if err != nil {
		return ""
	}

	hostArch := "Hostx64"
	targetArch := "x64"
	if runtime.GOARCH == "arm64" {
		hostArch = "Hostarm64"
		targetArch = "arm64"
	}

	for _, instance := range instances {
		defer instance.Close()

		root, err := instance.InstallationPath()
		if err != nil {
			continue
		}
		pattern := filepath.Join(root, "VC", "Tools", "MSVC", "*", "bin", hostArch, targetArch, "lib.exe")
		matches, err := filepath.Glob(pattern)
		if err != nil || len(matches) == 0 {
			continue
		}
		// Glob sorts lexically, so the last match is the newest toolset.
		lib := matches[len(matches)-1]
		if _, err := os.Stat(lib); err == nil {
			return lib
		}
	}
	return ""
}
