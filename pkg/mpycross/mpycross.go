// Package mpycross wraps the mpy-cross bytecode compiler.
package mpycross

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mpysync/pkg/errors"
)

// ExecutableName is the name of the compiler binary.
const ExecutableName = "mpy-cross"

var fs = afero.NewOsFs()

// Mocked out for unit testing.
var (
	lookPath       = exec.LookPath
	combinedOutput = (*exec.Cmd).CombinedOutput
	tempDir        = os.TempDir
)

// Compiler runs an mpy-cross executable.
type Compiler struct {
	// Executable is the path to the mpy-cross binary.
	Executable string

	// Arch is passed as `-march` when set.
	Arch string
}

// Find locates mpy-cross. `dirs` are searched first for any file whose name
// starts with mpy-cross, then the PATH. It returns false if no executable
// could be found.
func Find(dirs ...string) (Compiler, bool) {
	for _, dir := range dirs {
		matches, err := afero.Glob(fs, filepath.Join(dir, ExecutableName+"*"))
		if err != nil || len(matches) == 0 {
			continue
		}
		return Compiler{Executable: matches[0]}, true
	}

	if exe, err := lookPath(ExecutableName); err == nil {
		return Compiler{Executable: exe}, true
	}
	return Compiler{}, false
}

// Compile compiles the Python source at `src` and returns the bytecode.
func (c Compiler) Compile(src string) ([]byte, error) {
	if c.Executable == "" {
		return nil, errors.CompileError{Path: src, Err: errors.New("mpy-cross executable not found")}
	}

	out := filepath.Join(tempDir(), uuid.New().String()+".mpy")
	defer func() {
		if err := fs.Remove(out); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", out).Debug("Failed to remove compiler output")
		}
	}()

	cmd := exec.Command(c.Executable, c.args(src, out)...)
	log.WithField("command", strings.Join(cmd.Args, " ")).Debug("Compiling")
	if output, err := combinedOutput(cmd); err != nil {
		return nil, errors.CompileError{Path: src, Output: string(output), Err: err}
	}

	data, err := afero.ReadFile(fs, out)
	if err != nil {
		return nil, errors.CompileError{Path: src, Err: errors.WithContext(err, "read output")}
	}
	return data, nil
}

func (c Compiler) args(src, out string) []string {
	var args []string
	if c.Arch != "" {
		args = append(args, "-march="+c.Arch)
	}
	return append(args, "-o", out, src)
}

// CompiledName returns the remote name of the compiled form of `name`.
func CompiledName(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ".mpy"
}

// ShouldCompile returns whether the file `name` is compiled when compiling
// is enabled. Only Python sources are compiled, and boot.py and main.py are
// always uploaded as source since the firmware only runs them by those names.
func ShouldCompile(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	if base == "main.py" || base == "boot.py" {
		return false
	}
	return strings.ToLower(filepath.Ext(base)) == ".py"
}
