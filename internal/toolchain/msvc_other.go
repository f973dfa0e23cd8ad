//go:build !windows

package toolchain

// findLibExe only knows how to locate lib.exe through the Visual Studio
// setup API, which does not exist off Windows.
func findLibExe() string {
	return ""
}
