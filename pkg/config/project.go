package config

import (
	"path/filepath"

	"github.com/sidkik/mpysync/pkg/errors"
	"github.com/sidkik/mpysync/pkg/mpycross"
	"github.com/sidkik/mpysync/pkg/sync"
)

// ProjectConfigName is the name of the project config file. It's looked up
// in the directory being synced.
const ProjectConfigName = "mpysync.yaml"

// SupportedProjectConfigVersion is the supported version of the project
// config of the current mpysync binary. Config files that do not specify a
// version default to this version.
const SupportedProjectConfigVersion = "v1alpha1"

// DefaultBuildDir is where `mpysync build` writes to when no build directory
// is configured.
const DefaultBuildDir = "build"

// Project describes how a source tree is synced to a device.
type Project struct {
	Version string `json:"version,omitempty"`

	// Port and Baud select the serial device.
	Port string `json:"port,omitempty"`
	Baud int    `json:"baud,omitempty"`

	// Local is the directory that's synced. It defaults to the directory
	// containing the config file.
	Local string `json:"local,omitempty"`

	// Remote is the directory on the device that mirrors Local.
	Remote string `json:"remote,omitempty"`

	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	Hidden  bool     `json:"hidden,omitempty"`

	Compile  bool   `json:"compile,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Compiler string `json:"compiler,omitempty"`

	// Incremental and Delete default to true.
	Incremental *bool `json:"incremental,omitempty"`
	Delete      *bool `json:"delete,omitempty"`

	BuildDir string `json:"buildDir,omitempty"`

	// Only populated and consumed by mpysync. Never set by user.
	path string
}

func (p Project) getVersion() string {
	return p.Version
}

// GetPath returns the filepath that the project was parsed from. It's empty
// if the project has no config file.
func (p Project) GetPath() string {
	return p.path
}

// DefaultProject returns the project used for `dir` when it has no config
// file.
func DefaultProject(dir string) Project {
	return Project{
		Version:  SupportedProjectConfigVersion,
		Local:    dir,
		Remote:   "/",
		BuildDir: filepath.Join(dir, DefaultBuildDir),
	}
}

// ParseProject parses the project config in the directory `dir`. A missing
// config file isn't an error.
func ParseProject(dir string) (Project, error) {
	configPath := filepath.Join(dir, ProjectConfigName)
	config := Project{Version: SupportedProjectConfigVersion}
	if err := parseConfig(configPath, &config, SupportedProjectConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return DefaultProject(dir), nil
		}
		return Project{}, errors.WithContext(err, "parse")
	}
	config.path = configPath

	var err error
	if config.Local, err = resolvePath(dir, config.Local); err != nil {
		return Project{}, errors.WithContext(err, "expand local path")
	}
	if config.Local == "" {
		config.Local = dir
	}

	if config.BuildDir, err = resolvePath(dir, config.BuildDir); err != nil {
		return Project{}, errors.WithContext(err, "expand build path")
	}
	if config.BuildDir == "" {
		config.BuildDir = filepath.Join(dir, DefaultBuildDir)
	}

	if config.Compiler, err = resolvePath(dir, config.Compiler); err != nil {
		return Project{}, errors.WithContext(err, "expand compiler path")
	}

	if config.Remote == "" {
		config.Remote = "/"
	}
	return config, nil
}

// resolvePath expands ~'s, and evaluates relative paths relative to `dir`.
func resolvePath(dir, path string) (string, error) {
	if path == "" {
		return "", nil
	}

	expanded, err := homedirExpand(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(dir, expanded)
	}
	return filepath.Clean(expanded), nil
}

// SyncOptions returns the sync options described by the project. The
// compiler is resolved separately by the caller.
func (p Project) SyncOptions() sync.Options {
	opts := sync.DefaultOptions()
	opts.LocalRoot = p.Local
	opts.RemoteRoot = p.Remote
	opts.Include = p.Include
	opts.Exclude = p.Exclude
	opts.AllowHidden = p.Hidden
	opts.Compile = p.Compile
	if p.Incremental != nil {
		opts.Incremental = *p.Incremental
	}
	if p.Delete != nil {
		opts.DeleteExtra = *p.Delete
	}
	return opts
}

// FindCompiler returns the configured compiler. If no compiler is
// configured, mpy-cross is looked up in the local directory and the PATH.
func (p Project) FindCompiler() (mpycross.Compiler, bool) {
	if p.Compiler != "" {
		return mpycross.Compiler{Executable: p.Compiler, Arch: p.Arch}, true
	}

	compiler, ok := mpycross.Find(p.Local)
	compiler.Arch = p.Arch
	return compiler, ok
}
