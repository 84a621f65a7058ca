package config

import (
	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/mpysync/pkg/errors"
)

const (
	// UserConfigPath is the default path to the mpysync user config.
	UserConfigPath = "~/.mpysync.yaml"

	// SupportedUserConfigVersion is the supported version of the
	// mpysync user config of the current mpysync binary.
	SupportedUserConfigVersion = "v1alpha1"
)

// User contains the defaults that apply to every project of the user.
type User struct {
	Version string `json:"version,omitempty"`

	// Port is the serial device used when neither the command line nor the
	// project selects one.
	Port string `json:"port,omitempty"`
	Baud int    `json:"baud,omitempty"`

	// Compiler is the mpy-cross executable used when the project doesn't
	// configure one.
	Compiler string `json:"compiler,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseUser attempts to parse the User stored in the default path. A missing
// file results in an empty config.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: SupportedUserConfigVersion}
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{Version: SupportedUserConfigVersion}, nil
		}
		return User{}, errors.WithContext(err, "parse")
	}

	config.Compiler, err = homedirExpand(config.Compiler)
	if err != nil {
		return User{}, errors.WithContext(err, "expand compiler path")
	}
	return config, nil
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetUserConfigPath returns the path to the user's global mpysync
// configuration. This path is expanded, so it can be directly passed to file
// operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}

// Merge fills the connection and compiler settings that the project leaves
// unset from the user defaults.
func (u User) Merge(p Project) Project {
	if p.Port == "" {
		p.Port = u.Port
	}
	if p.Baud == 0 {
		p.Baud = u.Baud
	}
	if p.Compiler == "" {
		p.Compiler = u.Compiler
	}
	return p
}
