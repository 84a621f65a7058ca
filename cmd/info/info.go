package info

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/mpysync/cmd/util"
	"github.com/sidkik/mpysync/pkg/errors"
	"github.com/sidkik/mpysync/pkg/explorer"
)

const memFreeCommand = "import gc\r\nprint(gc.mem_free())"

// New creates a new `info` command.
func New() *cobra.Command {
	var opts util.ProjectOptions
	cobraCmd := &cobra.Command{
		Use:   "info [port]",
		Short: "Print information about the connected device",
		Args:  cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if len(args) == 1 {
				opts.Port = args[0]
			}
			if err := run(opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cobraCmd.Flags().StringVarP(&opts.Dir, "dir", "C", ".", "The project directory")
	cobraCmd.Flags().IntVar(&opts.Baud, "baud", 0, "The baud rate of the serial port")
	return cobraCmd
}

func run(opts util.ProjectOptions) error {
	project, err := util.ParseProject(opts)
	if err != nil {
		return err
	}

	client, err := util.NewExplorer(project, 0)
	if err != nil {
		return err
	}

	if err := client.Init(); err != nil {
		return errors.WithContext(err, "connect")
	}
	defer client.Close()

	printInfo(os.Stdout, project.Port, client)
	return nil
}

func printInfo(out io.Writer, port string, client *explorer.Explorer) {
	info := client.Info()
	fmt.Fprintf(out, "Port:     %s\n", port)
	fmt.Fprintf(out, "Platform: %s\n", info.Platform)
	fmt.Fprintf(out, "Release:  %s\n", info.Release)
	fmt.Fprintf(out, "Cwd:      %s\n", client.Pwd())

	free, err := memFree(client)
	if err != nil {
		log.WithError(err).Debug("Failed to read free memory")
		return
	}
	fmt.Fprintf(out, "Free mem: %d bytes\n", free)
}

func memFree(client *explorer.Explorer) (int, error) {
	out, err := client.Exec(memFreeCommand)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(out)))
}
