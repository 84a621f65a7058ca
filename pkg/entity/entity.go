// Package entity describes files and directories on the device, and the
// conversions between local and remote paths.
package entity

import (
	"fmt"
	"path"
)

// Kind is the type of an Entity. Directories sort before files.
type Kind int

const (
	// Directory is a directory entity.
	Directory Kind = iota
	// File is a regular file entity.
	File
)

func (k Kind) String() string {
	if k == Directory {
		return "Directory"
	}
	return "File"
}

// SizeUnknown is the size of directories, and of files whose size wasn't
// reported by the device.
const SizeUnknown = -1

// Entity is a file or directory at an absolute POSIX path.
// Directory entities always have an empty Name and an unknown Size.
type Entity struct {
	Dir  string
	Name string
	Kind Kind
	Size int64
}

// New creates the entity for `name` within `dir`. `name` may itself contain
// slashes, in which case the entity's Dir is the parent of the joined path.
func New(dir, name string, kind Kind, size int64) Entity {
	full := path.Join("/", ToPosix(dir), ToPosix(name))
	if kind == Directory {
		return Entity{Dir: full, Kind: Directory, Size: SizeUnknown}
	}
	if full == "/" {
		return Entity{Dir: "/", Kind: kind, Size: size}
	}
	return Entity{Dir: path.Dir(full), Name: path.Base(full), Kind: kind, Size: size}
}

// NewDir creates a directory entity.
func NewDir(dir string) Entity {
	return New(dir, "", Directory, SizeUnknown)
}

// NewFile creates a file entity for the absolute path `p`.
func NewFile(p string, size int64) Entity {
	return New(p, "", File, size)
}

// Abspath returns the absolute path of the entity.
func (e Entity) Abspath() string {
	return path.Join(e.Dir, e.Name)
}

// Key is the identity of the entity. Two entities are equal iff their keys are
// equal, so it is also the key used for sets of entities.
func (e Entity) Key() string {
	return e.Abspath()
}

// Equal returns whether both entities refer to the same absolute path.
func (e Entity) Equal(o Entity) bool {
	return e.Key() == o.Key()
}

// IsDir returns whether the entity is a directory.
func (e Entity) IsDir() bool {
	return e.Kind == Directory
}

// WithName returns a copy of a file entity renamed within the same directory.
func (e Entity) WithName(name string) Entity {
	e.Name = name
	return e
}

func (e Entity) String() string {
	return e.Abspath()
}

// Describe returns a verbose description of the entity for debugging.
func (e Entity) Describe() string {
	size := "UNKNOWN"
	if e.Size != SizeUnknown {
		size = fmt.Sprintf("%d", e.Size)
	}
	return fmt.Sprintf(`<Entity type="%s" dir="%s" name="%s" size="%s"/>`,
		e.Kind, e.Dir, e.Name, size)
}

// Set is a collection of entities keyed by absolute path.
type Set map[string]Entity

// NewSet creates a set containing `entities`.
func NewSet(entities ...Entity) Set {
	set := Set{}
	for _, e := range entities {
		set.Add(e)
	}
	return set
}

// Add inserts `e`, replacing any entity at the same path.
func (s Set) Add(e Entity) {
	s[e.Key()] = e
}

// Has returns whether an entity with the same path is in the set.
func (s Set) Has(e Entity) bool {
	_, ok := s[e.Key()]
	return ok
}

// Minus returns the entities of `s` whose paths aren't in `other`.
func (s Set) Minus(other Set) Set {
	diff := Set{}
	for key, e := range s {
		if _, ok := other[key]; !ok {
			diff[key] = e
		}
	}
	return diff
}
