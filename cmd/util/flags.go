package util

import (
	"github.com/spf13/pflag"

	"github.com/sidkik/mpysync/pkg/config"
)

// SyncFlags are the command line flags that override the project config for
// commands that sync or build.
type SyncFlags struct {
	ProjectOptions

	Local    string
	Remote   string
	Include  []string
	Exclude  []string
	Hidden   bool
	Compile  bool
	Arch     string
	Compiler string
	Full     bool
	NoDelete bool
	Wait     int
}

// Register adds the flags to `flags`. Device flags are only added if
// `device` is true.
func (f *SyncFlags) Register(flags *pflag.FlagSet, device bool) {
	flags.StringVarP(&f.Dir, "dir", "C", ".", "The project directory containing "+config.ProjectConfigName)
	flags.StringVar(&f.Local, "local", "", "The local directory to sync. Defaults to the project directory")
	flags.StringVar(&f.Remote, "remote", "", "The directory on the device to sync to. Defaults to /")
	flags.StringSliceVar(&f.Include, "include", nil, "Glob of paths to always sync, even if excluded or hidden. Use dir/** to match a whole tree")
	flags.StringSliceVar(&f.Exclude, "exclude", nil, "Glob of paths to skip. A pattern only matches the paths it names, so use lib/** to skip everything under lib")
	flags.BoolVar(&f.Hidden, "hidden", false, "Sync hidden files and directories")
	flags.BoolVar(&f.Compile, "compile", false, "Compile Python files with mpy-cross before uploading")
	flags.StringVar(&f.Arch, "arch", "", "The architecture passed to mpy-cross as -march")
	flags.StringVar(&f.Compiler, "compiler", "", "The path to the mpy-cross executable")

	if device {
		flags.IntVar(&f.Baud, "baud", 0, "The baud rate of the serial port")
		flags.IntVar(&f.Wait, "wait", 0, "Seconds to wait for the serial port to appear")
		flags.BoolVar(&f.Full, "full", false, "Upload every file, even if it's unchanged")
		flags.BoolVar(&f.NoDelete, "no-delete", false, "Don't delete remote files that don't exist locally")
	}
}

// Apply overrides the project settings with the flags that were set.
func (f SyncFlags) Apply(flags *pflag.FlagSet, p config.Project) config.Project {
	if flags.Changed("local") {
		p.Local = f.Local
	}
	if flags.Changed("remote") {
		p.Remote = f.Remote
	}
	if flags.Changed("include") {
		p.Include = f.Include
	}
	if flags.Changed("exclude") {
		p.Exclude = f.Exclude
	}
	if flags.Changed("hidden") {
		p.Hidden = f.Hidden
	}
	if flags.Changed("compile") {
		p.Compile = f.Compile
	}
	if flags.Changed("arch") {
		p.Arch = f.Arch
	}
	if flags.Changed("compiler") {
		p.Compiler = f.Compiler
	}
	if flags.Changed("full") {
		incremental := !f.Full
		p.Incremental = &incremental
	}
	if flags.Changed("no-delete") {
		deleteExtra := !f.NoDelete
		p.Delete = &deleteExtra
	}
	return p
}
