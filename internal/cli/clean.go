// ispcgo clean [path]
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/MarijnS95/ispc-go/internal/manifest"
	"github.com/MarijnS95/ispc-go/internal/msg"
)

var flagCleanCache bool

// outDirOf computes the output directory the same way a build would,
// without creating it.
func outDirOf(dir string, m *manifest.Manifest) string {
	out := m.Build.OutDir
	if out == "" {
		out = "ispc-out"
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(dir, out)
	}
	return filepath.Clean(out)
}

func doClean(cmd *cobra.Command, args []string) {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	path, err := filepath.Abs(target)
	if err != nil {
		msg.Fatal("%v", err)
	}

	env := manifest.NewConfigEnv(path)
	m, err := manifest.ParseManifestFromFile(filepath.Join(path, manifest.ManifestName), env)
	if err != nil {
		msg.Fatal("%v", err)
	}

	out := outDirOf(path, m)
	if err := os.RemoveAll(out); err != nil {
		msg.Fatal("failed to remove %s: %v", out, err)
	}
	msg.Info("removed %s", out)

	if flagCleanCache {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			msg.Fatal("%v", err)
		}
		moduleCache := filepath.Join(cacheDir, "ispcgo")
		if err := os.RemoveAll(moduleCache); err != nil {
			msg.Fatal("failed to remove %s: %v", moduleCache, err)
		}
		msg.Info("removed %s", moduleCache)
	}
}

var cleanCmd = &cobra.Command{
	Use:   "clean [module path]",
	Short: "Remove build outputs",
	Long:  `Remove the output directory, including objects, headers, the library and the build state`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doClean,
}

func init() {
	// ispcgo clean subcommand
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().BoolVar(&flagCleanCache, "cache", false, "Also remove fetched prebuilt artifact sets from the user cache")
}
