package sync

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/sidkik/mpysync/pkg/entity"
	"github.com/sidkik/mpysync/pkg/errors"
)

// Build writes the files that a sync would upload into the local directory
// `mirrorDir`, which stands in for the device's root directory. The mirror is
// wiped first, and every file is rebuilt. The manifest is written into the
// mirror at ManifestPath. If the mirror is inside the local root, it's
// excluded from the build.
func Build(mirrorDir string, opts Options) (Result, error) {
	opts.setDefaults()

	filter, err := NewFilter(opts.Include, opts.Exclude, opts.AllowHidden)
	if err != nil {
		return Result{}, err
	}

	mirrorAbs, err := filepath.Abs(mirrorDir)
	if err != nil {
		return Result{}, errors.WithContext(err, "resolve mirror directory")
	}
	localAbs, err := filepath.Abs(opts.LocalRoot)
	if err != nil {
		return Result{}, errors.WithContext(err, "resolve local root")
	}
	if mirrorAbs == localAbs {
		return Result{}, errors.NewFriendlyError(
			"The build directory %q can't be the directory being built.", mirrorDir)
	}

	skip := ""
	if isWithin(localAbs, mirrorAbs) {
		skip = mirrorAbs
	}

	local, err := snapshotLocal(localAbs, opts.RemoteRoot, filter, skip)
	if err != nil {
		return Result{}, err
	}

	if err := checkCompiler(local, opts); err != nil {
		return Result{}, err
	}

	if err := fs.RemoveAll(mirrorAbs); err != nil {
		return Result{}, errors.WithContext(err, "clear mirror directory")
	}
	if err := fs.MkdirAll(mirrorAbs, 0755); err != nil {
		return Result{}, errors.WithContext(err, "create mirror directory")
	}

	mirrorPath := func(remote string) string {
		return filepath.Join(mirrorAbs, entity.ToLocal(strings.TrimPrefix(remote, "/")))
	}

	var res Result
	var total int
	for _, f := range local {
		if !f.Remote.IsDir() {
			total++
		}
	}

	manifest := Manifest{}
	var completed int
	for _, f := range local {
		if f.Remote.IsDir() {
			if err := fs.MkdirAll(mirrorPath(f.Remote.Abspath()), 0755); err != nil {
				res.warn(opts.Log, f.Remote.Abspath(), OpMkdir, err)
			}
			continue
		}

		key := f.Remote.Abspath()
		target := f.Target(opts.Compile)
		opts.Progress(completed, total, 0, 0, OpBuild, f.Rel)
		completed++

		hash, err := HashFile(f.ContentsPath, f.Compiled(opts.Compile))
		if err != nil {
			res.warn(opts.Log, key, OpHash, err)
			continue
		}

		data, err := contents(f, opts)
		if err == nil {
			dst := mirrorPath(target.Abspath())
			if err = fs.MkdirAll(filepath.Dir(dst), 0755); err == nil {
				err = afero.WriteFile(fs, dst, data, 0644)
			}
		}
		if err != nil {
			res.warn(opts.Log, key, OpBuild, err)
			continue
		}

		manifest[key] = hash
		res.Uploaded = append(res.Uploaded, target.Abspath())
	}

	data, err := manifest.Marshal()
	if err != nil {
		return res, errors.WithContext(err, "marshal manifest")
	}
	if err := afero.WriteFile(fs, mirrorPath(opts.ManifestPath), data, 0644); err != nil {
		return res, errors.WithContext(err, "write manifest")
	}
	return res, nil
}

func isWithin(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
