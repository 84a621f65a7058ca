package sync

import (
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/sidkik/mpysync/pkg/entity"
	"github.com/sidkik/mpysync/pkg/errors"
	"github.com/sidkik/mpysync/pkg/mpycross"
)

var fs = afero.NewOsFs()

// A localFile is a file or directory in the local tree, along with where
// it's placed on the device.
type localFile struct {
	// ContentsPath is the path that can be opened locally.
	ContentsPath string

	// Remote is the entity at its uncompiled remote location.
	Remote entity.Entity

	// Rel is the path relative to the remote root.
	Rel string
}

// Target returns the entity expected on the device after the file is
// uploaded.
func (f localFile) Target(compile bool) entity.Entity {
	if f.Compiled(compile) {
		return f.Remote.WithName(mpycross.CompiledName(f.Remote.Name))
	}
	return f.Remote
}

// Compiled returns whether the file is uploaded in compiled form.
func (f localFile) Compiled(compile bool) bool {
	return compile && !f.Remote.IsDir() && mpycross.ShouldCompile(f.Remote.Name)
}

// snapshotLocal lists the local tree rooted at `localRoot` as it would be
// laid out under `remoteRoot`, sorted by remote path. Paths rejected by the
// filter are left out, and the directory `skip` is ignored entirely.
func snapshotLocal(localRoot, remoteRoot string, filter Filter, skip string) ([]localFile, error) {
	localRoot = filepath.Clean(localRoot)
	if skip != "" {
		skip = filepath.Clean(skip)
	}

	var files []localFile
	err := afero.Walk(fs, localRoot, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if skip != "" && p == skip {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(localRoot, p)
		if err != nil {
			return errors.WithContext(err, "relative path")
		}
		rel = filepath.ToSlash(rel)
		if !filter.Match(rel) {
			return nil
		}

		remote := path.Join(remoteRoot, rel)
		f := localFile{ContentsPath: p, Rel: rel}
		if fi.IsDir() {
			f.Remote = entity.NewDir(remote)
		} else {
			f.Remote = entity.NewFile(remote, fi.Size())
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, errors.WithContext(err, "walk local tree")
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Remote.Abspath() < files[j].Remote.Abspath()
	})
	return files, nil
}

// checkCompiler fails if any file needs to be compiled but there's no
// compiler.
func checkCompiler(files []localFile, opts Options) error {
	if !opts.Compile || opts.Compiler != nil {
		return nil
	}

	for _, f := range files {
		if f.Compiled(true) {
			return errors.CompileError{
				Path: f.ContentsPath,
				Err:  errors.New("compiling is enabled, but no mpy-cross executable was found"),
			}
		}
	}
	return nil
}

// contents returns the bytes that are uploaded for `f`.
func contents(f localFile, opts Options) ([]byte, error) {
	if f.Compiled(opts.Compile) {
		return opts.Compiler.Compile(f.ContentsPath)
	}
	return afero.ReadFile(fs, f.ContentsPath)
}
