// ispcgo init [name], ispcgo new [path]
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MarijnS95/ispc-go/internal/manifest"
	"github.com/MarijnS95/ispc-go/internal/msg"
)

func writefile(content string, elem ...string) {
	path := filepath.Join(elem...)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.WriteFile(path, []byte(content), 0o644); err != nil {
			msg.Fatal("create file %s: %v", path, err)
		}
		fmt.Printf("%s file: %s\n", color.HiGreenString("Created"), filepath.ToSlash(path))
	}
}

func mkdir(elem ...string) {
	path := filepath.Join(elem...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		msg.Fatal("mkdir %s: %v", path, err)
	}
}

func getProgramName() string {
	if len(os.Args) == 0 {
		return "ispcgo"
	}
	basename := filepath.Base(os.Args[0])
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

// initIn initializes a kernel module in an existing specified directory
func initIn(dir, name string) {
	writefile(`[module]
name = "`+name+`"
version = "0.1.0"
description = "SIMD kernels for `+name+`"

[build]
sources = ["src/**/*.ispc"]
targets = ["host"]
`, dir, manifest.ManifestName)

	mkdir(dir, "src")

	// src/simple.ispc
	writefile(`export void simple(uniform float vin[], uniform float vout[],
                   uniform int count) {
    foreach (index = 0 ... count) {
        float v = vin[index];
        if (v < 3.)
            v = v * v;
        else
            v = sqrt(v);
        vout[index] = v;
    }
}
`, dir, "src", "simple.ispc")

	// .gitignore
	writefile(`ispc-out/
`, dir, ".gitignore")

	programName := getProgramName()
	fmt.Printf("You can now do %s to build the kernel library.\n", color.HiCyanString(programName+" "+dir))
}

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a new kernel module in the current directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		initIn(".", args[0])
	},
}

var newCmd = &cobra.Command{
	Use:   "new [path]",
	Short: "Create a new kernel module in a new directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mkdir(args[0])
		initIn(args[0], filepath.Base(args[0]))
	},
}

func init() {
	// ispcgo init subcommand
	rootCmd.AddCommand(initCmd)

	// ispcgo new subcommand
	rootCmd.AddCommand(newCmd)
}
