package sync

import (
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sidkik/mpysync/cmd/util"
	"github.com/sidkik/mpysync/pkg/config"
	"github.com/sidkik/mpysync/pkg/errors"
	"github.com/sidkik/mpysync/pkg/explorer"
	"github.com/sidkik/mpysync/pkg/fswatch"
	"github.com/sidkik/mpysync/pkg/sync"
)

// Mocked out for unit testing.
var (
	runSync = sync.Run
	watch   = fswatch.Watch
)

// New creates a new `sync` command.
func New() *cobra.Command {
	var flags util.SyncFlags
	var watchChanges bool
	cobraCmd := &cobra.Command{
		Use:   "sync [port]",
		Short: "Sync the local directory to a MicroPython device",
		Long: `Upload the files in the local directory that changed since the last sync,
and delete remote files that no longer exist locally.

The port defaults to the one set in mpysync.yaml or ~/.mpysync.yaml.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 1 {
				flags.Port = args[0]
			}
			if err := run(cmd.Flags(), flags, watchChanges); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	flags.Register(cobraCmd.Flags(), true)
	cobraCmd.Flags().BoolVarP(&watchChanges, "watch", "w", false,
		"Keep running, and sync again whenever a local file changes")
	return cobraCmd
}

func run(flagSet *pflag.FlagSet, flags util.SyncFlags, watchChanges bool) error {
	project, err := util.ParseProject(flags.ProjectOptions)
	if err != nil {
		return err
	}
	project = flags.Apply(flagSet, project)

	client, err := util.NewExplorer(project, flags.Wait)
	if err != nil {
		return err
	}

	opts := syncOptions(project)
	if !watchChanges {
		return syncOnce(client, opts)
	}

	// Keep the connection open between syncs.
	if err := client.Init(); err != nil {
		return errors.WithContext(err, "connect")
	}
	defer client.Close()

	if err := syncOnce(client, opts); err != nil {
		return err
	}
	return watchAndSync(client, opts, project)
}

func syncOptions(project config.Project) sync.Options {
	opts := project.SyncOptions()
	opts.Progress = util.NewProgressPrinter().Progress
	if project.Compile {
		if compiler, ok := project.FindCompiler(); ok {
			opts.Compiler = compiler
		}
	}
	return opts
}

func syncOnce(client *explorer.Explorer, opts sync.Options) error {
	res, err := runSync(client, opts)
	util.PrintResult(os.Stdout, res)
	if err != nil {
		return errors.WithContext(err, "sync")
	}
	return nil
}

func watchAndSync(client *explorer.Explorer, opts sync.Options, project config.Project) error {
	filter, err := sync.NewFilter(opts.Include, opts.Exclude, opts.AllowHidden)
	if err != nil {
		return err
	}

	changes, stop, err := watch(project.Local, filter, project.BuildDir)
	if err != nil {
		return errors.WithContext(err, "watch local files")
	}
	defer stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	log.Infof("Watching %s for changes. Press Ctrl-C to stop.", project.Local)
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if err := syncOnce(client, opts); err != nil {
				log.WithError(err).Error("Sync failed. Waiting for the next change.")
			}
		case <-interrupt:
			return nil
		}
	}
}
