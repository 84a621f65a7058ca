package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mpysync/pkg/config"
	"github.com/sidkik/mpysync/pkg/errors"
	"github.com/sidkik/mpysync/pkg/explorer"
	"github.com/sidkik/mpysync/pkg/pyboard"
)

// ErrMissingPort is returned when no serial port was given on the command
// line or in the config files.
var ErrMissingPort = errors.NewFriendlyError("A serial port is required. " +
	"Pass it as an argument, or set `port` in " + config.ProjectConfigName +
	" or " + config.UserConfigPath + ".")

// Mocked out for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// HandleFatalError handles errors that are severe enough to terminate the
// program.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic prints a friendly message when the program panics, rather than
// a bare stack trace.
func HandlePanic() {
	if r := recover(); r != nil {
		fmt.Fprintf(stderr, "mpysync crashed: %v\n", r)
		log.Debug(string(debug.Stack()))
		exit(2)
	}
}

// ProjectOptions are the settings shared by commands that operate on a
// project.
type ProjectOptions struct {
	Dir  string
	Port string
	Baud int
}

// ParseProject loads the project config in `opts.Dir` and fills any unset
// connection settings from the user config. Settings from the command line
// take precedence.
func ParseProject(opts ProjectOptions) (config.Project, error) {
	project, err := config.ParseProject(opts.Dir)
	if err != nil {
		return config.Project{}, errors.WithContext(err, "parse project config")
	}

	user, err := config.ParseUser()
	if err != nil {
		return config.Project{}, errors.WithContext(err, "parse user config")
	}
	project = user.Merge(project)

	if opts.Port != "" {
		project.Port = opts.Port
	}
	if opts.Baud != 0 {
		project.Baud = opts.Baud
	}
	return project, nil
}

// NewExplorer creates an explorer for the device selected by `project`.
// `wait` is how many seconds to wait for the device to appear.
func NewExplorer(project config.Project, wait int) (*explorer.Explorer, error) {
	if project.Port == "" {
		return nil, ErrMissingPort
	}
	return explorer.NewSerial(project.Port, project.Baud, pyboard.WithWait(wait)), nil
}
