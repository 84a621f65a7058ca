package build

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/mpysync/cmd/util"
	"github.com/sidkik/mpysync/pkg/errors"
	"github.com/sidkik/mpysync/pkg/sync"
)

// New creates a new `build` command.
func New() *cobra.Command {
	var flags util.SyncFlags
	var out string
	cobraCmd := &cobra.Command{
		Use:   "build",
		Short: "Write the files that would be synced to a local directory",
		Long: `Build the local directory into a mirror of what a sync would leave on the
device, including compiled files and the sync manifest. The output directory
is wiped first.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			project, err := util.ParseProject(flags.ProjectOptions)
			if err != nil {
				util.HandleFatalError(err)
				return
			}
			project = flags.Apply(cmd.Flags(), project)
			if cmd.Flags().Changed("out") {
				project.BuildDir = out
			}

			opts := project.SyncOptions()
			opts.Progress = util.NewProgressPrinter().Progress
			if project.Compile {
				if compiler, ok := project.FindCompiler(); ok {
					opts.Compiler = compiler
				}
			}

			res, err := sync.Build(project.BuildDir, opts)
			util.PrintResult(os.Stdout, res)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "build"))
			}
		},
	}
	flags.Register(cobraCmd.Flags(), false)
	cobraCmd.Flags().StringVarP(&out, "out", "o", "", "The output directory. Defaults to ./build")
	return cobraCmd
}
