// ispcgo targets [path]
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	ispc "github.com/MarijnS95/ispc-go"
	"github.com/MarijnS95/ispc-go/internal/msg"
)

var flagCommands bool

func doTargets(cmd *cobra.Command, args []string) {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}

	cfg, _, err := loadProject(target, flagProfile)
	if err != nil {
		msg.Fatal("%v", err)
	}
	bc, err := cfg.Finalize()
	if err != nil {
		msg.Fatal("%v", err)
	}

	for _, unit := range ispc.ExpandUnits(bc) {
		if flagCommands {
			fmt.Println(strings.Join(ispc.CompileCommand(bc, unit), " "))
		} else {
			fmt.Println(unit.ID())
		}
	}
}

var targetsCmd = &cobra.Command{
	Use:   "targets [module path]",
	Short: "List the compile units a build would run",
	Long:  `List the compile units a build would run, one (source, ISA set) pair per line`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doTargets,
}

func init() {
	// ispcgo targets subcommand
	rootCmd.AddCommand(targetsCmd)
	targetsCmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Expand with the given profile")
	targetsCmd.Flags().BoolVar(&flagCommands, "commands", false, "Print the full compiler command line per unit")
}
