// ispcgo [path], ispcgo build [path]
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	ispc "github.com/MarijnS95/ispc-go"
	"github.com/MarijnS95/ispc-go/internal/manifest"
	"github.com/MarijnS95/ispc-go/internal/msg"
)

var (
	flagProfile      string
	flagJobs         int
	flagVerbose      bool
	flagQuiet        bool
	flagPrebuilt     bool
	flagPrebuiltPath string
	flagTargets      []string
	flagMathLib      EnumValue = NewEnumValue("default", map[string]string{
		"default": "The compiler's own math routines (default)",
		"fast":    "Faster but lower-precision routines",
		"svml":    "Intel SVML",
		"system":  "The system math library",
	})
)

// loadProject parses the manifest in dir and turns it into a build config
// with the selected profile applied.
func loadProject(dir, profile string) (*ispc.Config, *manifest.Manifest, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return nil, nil, err
	}
	env := manifest.NewConfigEnv(path)
	m, err := manifest.ParseManifestFromFile(filepath.Join(path, manifest.ManifestName), env)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := m.Configure(path, profile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, m, nil
}

func doBuild(cmd *cobra.Command, args []string) {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}

	cfg, m, err := loadProject(target, flagProfile)
	if err != nil {
		msg.Fatal("%v", err)
	}

	if flagJobs > 0 {
		if err := cfg.SetJobs(flagJobs); err != nil {
			msg.Fatal("%v", err)
		}
	}
	if cmd.Flags().Changed("math-lib") {
		if err := cfg.SetMathLib(ispc.MathLib(flagMathLib.Value())); err != nil {
			msg.Fatal("%v", err)
		}
	}
	if len(flagTargets) > 0 {
		isas := make([]ispc.TargetISA, 0, len(flagTargets))
		for _, name := range flagTargets {
			isa, err := ispc.ParseISA(name)
			if err != nil {
				msg.Fatal("%v", err)
			}
			isas = append(isas, isa)
		}
		if err := cfg.SetTargets(isas...); err != nil {
			msg.Fatal("%v", err)
		}
	}
	if flagPrebuilt {
		cfg.ForcePrebuilt(true)
	}
	if flagPrebuiltPath != "" {
		cfg.SetPrebuiltPath(flagPrebuiltPath)
	}
	cfg.SetQuiet(flagQuiet)
	if flagVerbose {
		cfg.SetToolOutput(&msg.IndentWriter{Indent: "  ", W: os.Stdout})
	}

	bc, err := cfg.Finalize()
	if err != nil {
		msg.Fatal("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if _, err := ispc.Compile(ctx, bc, m.Module.Name); err != nil {
		msg.Fatal("%v", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ispcgo [module path]",
	Short: "SIMD kernel build orchestrator",
	Long:  `Compiles ispc kernels into a static library with cgo bindings`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

var buildCmd = &cobra.Command{
	Use:   "build [module path]",
	Short: "Build the kernel library",
	Long:  `Build the kernel library. If no module path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

func init() {
	addBuildFlags(rootCmd)

	// ispcgo build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Build with the given profile")
	cmd.Flags().IntVarP(&flagJobs, "jobs", "j", 0, "Number of parallel compiler invocations (default: CPU count)")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Stream tool output")
	cmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress per-job output")
	cmd.Flags().BoolVar(&flagPrebuilt, "prebuilt", false, "Use a prebuilt kernel library instead of compiling")
	cmd.Flags().StringVar(&flagPrebuiltPath, "prebuilt-path", "", "Where to look for the prebuilt library first (directory or git URL)")
	cmd.Flags().StringSliceVarP(&flagTargets, "target", "t", nil, "Override the manifest's target ISAs")
	cmd.Flags().VarP(&flagMathLib, "math-lib", "m", "Math library to compile against, one of "+flagMathLib.HelpString())
	cmd.RegisterFlagCompletionFunc("math-lib", flagMathLib.CompletionFunc())
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
