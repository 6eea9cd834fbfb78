package cmd

import (
	"log"
	"runtime"

	"github.com/spf13/cobra"
)

type VersionInfo struct {
	OrchestratorVersion string
	GoVersion           string
	Compiler            string
	Platform            string
}

func (info *VersionInfo) String() string {
	return "{Orchestrator version: " + info.OrchestratorVersion + ", Go version: " +
		info.GoVersion + ", Compiler version: " + info.Compiler + ", Platform: " + info.Platform + "}"
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Version of the orchestrator.",
	Long:  "Version of the orchestrator.",
	Run: func(cmd *cobra.Command, args []string) {
		info := &VersionInfo{
			OrchestratorVersion: "v0.1.0",
			GoVersion:           runtime.Version(),
			Compiler:            runtime.Compiler,
			Platform:            runtime.GOOS + "/" + runtime.GOARCH,
		}
		log.Println(info.String())
	},
}
