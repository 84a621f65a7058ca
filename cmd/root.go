package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/mpysync/cmd/build"
	"github.com/sidkik/mpysync/cmd/info"
	"github.com/sidkik/mpysync/cmd/ls"
	syncCmd "github.com/sidkik/mpysync/cmd/sync"
	"github.com/sidkik/mpysync/cmd/util"
	"github.com/sidkik/mpysync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above. This includes every command sent to the device.
const verboseLogKey = "MPYSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "mpysync",
		Short:        "Sync a source tree to a MicroPython device",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		syncCmd.New(),
		build.New(),
		ls.New(),
		info.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
