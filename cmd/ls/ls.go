package ls

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sidkik/mpysync/cmd/util"
	"github.com/sidkik/mpysync/pkg/entity"
	"github.com/sidkik/mpysync/pkg/errors"
	"github.com/sidkik/mpysync/pkg/explorer"
)

// New creates a new `ls` command.
func New() *cobra.Command {
	var opts util.ProjectOptions
	var recursive bool
	cobraCmd := &cobra.Command{
		Use:   "ls [port] [path]",
		Short: "List files on the device",
		Args:  cobra.MaximumNArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			target := "/"
			if len(args) >= 1 {
				opts.Port = args[0]
			}
			if len(args) == 2 {
				target = args[1]
			}

			if err := run(opts, target, recursive); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cobraCmd.Flags().StringVarP(&opts.Dir, "dir", "C", ".", "The project directory")
	cobraCmd.Flags().IntVar(&opts.Baud, "baud", 0, "The baud rate of the serial port")
	cobraCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "List subdirectories recursively")
	return cobraCmd
}

func run(opts util.ProjectOptions, target string, recursive bool) error {
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

	files, err := list(client, target, recursive)
	if err != nil {
		return err
	}
	printEntities(os.Stdout, files)
	return nil
}

func list(client *explorer.Explorer, target string, recursive bool) ([]entity.Entity, error) {
	if recursive {
		files, err := client.Walk(target, true)
		if err != nil {
			return nil, errors.WithContext(err, "walk")
		}
		return files, nil
	}

	files, err := client.Ls(target)
	if err != nil {
		return nil, errors.WithContext(err, "list")
	}
	return files, nil
}

func printEntities(out io.Writer, files []entity.Entity) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	for _, f := range files {
		size := "-"
		if !f.IsDir() && f.Size != entity.SizeUnknown {
			size = fmt.Sprintf("%d", f.Size)
		}
		name := f.Abspath()
		if f.IsDir() && name != "/" {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%s\n", size, name)
	}
}
