package cmd

import (
	"github.com/spf13/cobra"
	"github.com/streamfn/orchestrator/pkg/initial"
	_ "github.com/streamfn/orchestrator/pkg/tools/log"
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "function instance orchestrator",
	Long:  "function instance orchestrator",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initial.InstanceCmd)
}
