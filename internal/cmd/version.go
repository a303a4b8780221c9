package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/meridian-ai/meridian/internal/config"
	"github.com/meridian-ai/meridian/internal/persona"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "version")
		defer span.End()

		fmt.Printf("Meridian %s (%s/%s)\n", resolvedVersion(), runtime.GOOS, runtime.GOARCH)
		fmt.Printf("Commit:  %s\n", Commit)
		fmt.Printf("Built:   %s\n", BuildDate)
		fmt.Printf("Go:      %s\n", runtime.Version())
		fmt.Printf("Persona: %s\n", defaultPersonaName())

		return nil
	},
}

// defaultPersonaName reports which persona this binary would serve, so
// operators can tell deployments apart at a glance. Never fails the
// version command.
func defaultPersonaName() string {
	cfg, err := config.Load()
	if err != nil {
		return "unknown"
	}
	p, err := persona.Load(cfg.PersonaPath)
	if err != nil {
		return "unknown"
	}
	return p.Name
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
