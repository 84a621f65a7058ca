package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidkik/mpysync/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of mpysync.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("mpysync version: %s\n", version.Version)
		},
	}
}
