package sync

import (
	goErrors "errors"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mpysync/pkg/entity"
	"github.com/sidkik/mpysync/pkg/errors"
	"github.com/sidkik/mpysync/pkg/explorer"
)

// DefaultManifestPath is where the manifest is stored on the device.
const DefaultManifestPath = "/.mpypack_sha256.json"

// Progress operation labels.
const (
	OpDelete = "delete"
	OpUpload = "upload"
	OpMkdir  = "mkdir"
	OpBuild  = "build"
	OpHash   = "hash"
)

// Firmware older than this can't load bytecode from current mpy-cross
// releases.
var minCompiledRelease = goversion.Must(goversion.NewVersion("1.12"))

// ProgressFunc is notified before each step of a sync. `completed` and
// `total` count whole files, and `subCompleted` and `subTotal` count the
// bytes of the current transfer. Either pair is (0, 0) when it doesn't apply.
type ProgressFunc func(completed, total, subCompleted, subTotal int, op, target string)

// Compiler turns a Python source file into bytecode.
type Compiler interface {
	Compile(src string) ([]byte, error)
}

// Options configures a sync.
type Options struct {
	// LocalRoot is the local directory that's synced.
	LocalRoot string

	// RemoteRoot is the directory on the device that mirrors LocalRoot.
	RemoteRoot string

	// ManifestPath is where the manifest is stored. It's an absolute path on
	// the device, or relative to the mirror directory when building.
	ManifestPath string

	Include     []string
	Exclude     []string
	AllowHidden bool

	// Compile enables compiling Python sources with Compiler before upload.
	Compile  bool
	Compiler Compiler

	// Incremental skips files whose hash matches the manifest.
	Incremental bool

	// DeleteExtra removes remote files that don't exist locally.
	DeleteExtra bool

	Progress ProgressFunc

	// Log receives diagnostics. It defaults to the standard logger.
	Log *log.Logger
}

// DefaultOptions returns the options used by the CLI when nothing is
// configured.
func DefaultOptions() Options {
	return Options{
		LocalRoot:    ".",
		RemoteRoot:   "/",
		ManifestPath: DefaultManifestPath,
		Incremental:  true,
		DeleteExtra:  true,
	}
}

func (opts *Options) setDefaults() {
	if opts.LocalRoot == "" {
		opts.LocalRoot = "."
	}
	opts.RemoteRoot = entity.Resolve("/", opts.RemoteRoot)
	if opts.ManifestPath == "" {
		opts.ManifestPath = DefaultManifestPath
	}
	if opts.Log == nil {
		opts.Log = log.StandardLogger()
	}
	if opts.Progress == nil {
		opts.Progress = func(int, int, int, int, string, string) {}
	}
}

// Result describes what a sync changed.
type Result struct {
	// Uploaded and Deleted are absolute remote paths, in the order they were
	// processed.
	Uploaded []string
	Deleted  []string

	// Warnings are the files that failed. A failed file is left out of the
	// manifest so that it's retried by the next sync.
	Warnings []errors.SyncItemError
}

func (res *Result) warn(logger *log.Logger, path, op string, err error) {
	itemErr := errors.SyncItemError{Path: path, Op: op, Err: err}
	logger.WithError(err).WithField("path", path).Warnf("Failed to %s file. It will be retried on the next sync.", op)
	res.Warnings = append(res.Warnings, itemErr)
}

// Run syncs the local tree to the device. It holds the device for the full
// sync, and initializes the explorer first if needed, in which case the
// connection is closed again once the sync completes.
func Run(client *explorer.Explorer, opts Options) (Result, error) {
	opts.setDefaults()
	manifestPath := entity.Resolve("/", opts.ManifestPath)

	filter, err := NewFilter(opts.Include, opts.Exclude, opts.AllowHidden)
	if err != nil {
		return Result{}, err
	}

	local, err := snapshotLocal(opts.LocalRoot, opts.RemoteRoot, filter, "")
	if err != nil {
		return Result{}, err
	}

	if err := checkCompiler(local, opts); err != nil {
		return Result{}, err
	}

	sess := client.Hold()
	defer sess.Release()

	if !sess.Initialized() {
		if err := sess.Init(); err != nil {
			return Result{}, errors.WithContext(err, "init")
		}
		defer sess.Close()
	}

	if opts.Compile {
		warnOldFirmware(opts.Log, sess.Info())
	}

	prevManifest := downloadManifest(sess, manifestPath, opts.Log)

	expected := entity.NewSet()
	for _, f := range local {
		expected.Add(f.Target(opts.Compile))
	}

	var toDelete []entity.Entity
	if opts.DeleteExtra {
		remote, err := snapshotRemote(sess, opts.RemoteRoot, filter)
		if err != nil {
			return Result{}, err
		}
		delete(remote, manifestPath)

		toDelete = pruneNested(remote.Minus(expected))
	}

	var res Result
	manifest := Manifest{}
	var toUpload []localFile
	var total int
	for _, f := range local {
		if f.Remote.IsDir() {
			toUpload = append(toUpload, f)
			continue
		}

		key := f.Remote.Abspath()
		hash, err := HashFile(f.ContentsPath, f.Compiled(opts.Compile))
		if err != nil {
			res.warn(opts.Log, key, OpHash, err)
			continue
		}

		manifest[key] = hash
		if !opts.Incremental || prevManifest[key] != hash {
			toUpload = append(toUpload, f)
			total++
		}
	}
	total += len(toDelete)

	var completed int
	for _, e := range toDelete {
		opts.Progress(completed, total, 0, 0, OpDelete, relTo(opts.RemoteRoot, e.Abspath()))
		if err := sess.Rmtree(e.Abspath()); err != nil {
			var fsErr errors.FilesystemError
			if !goErrors.As(err, &fsErr) {
				return res, errors.WithContext(err, "delete")
			}
			res.warn(opts.Log, e.Abspath(), OpDelete, err)
		} else {
			res.Deleted = append(res.Deleted, e.Abspath())
		}
		completed++
	}

	for _, f := range toUpload {
		if f.Remote.IsDir() {
			opts.Progress(completed, total, 0, 0, OpMkdir, f.Rel)
			if _, err := sess.Mkdirs(f.Remote.Abspath()); err != nil {
				res.warn(opts.Log, f.Remote.Abspath(), OpMkdir, err)
			}
			continue
		}

		key := f.Remote.Abspath()
		target := f.Target(opts.Compile)
		opts.Progress(completed, total, 0, 0, OpUpload, f.Rel)
		if err := uploadFile(sess, f, target, opts, completed, total); err != nil {
			delete(manifest, key)
			res.warn(opts.Log, key, OpUpload, err)
		} else {
			res.Uploaded = append(res.Uploaded, target.Abspath())
		}
		completed++
	}

	data, err := manifest.Marshal()
	if err != nil {
		return res, errors.WithContext(err, "marshal manifest")
	}
	if _, err := sess.Upload(manifestPath, data, nil); err != nil {
		return res, errors.WithContext(err, "upload manifest")
	}
	return res, nil
}

func uploadFile(sess *explorer.Session, f localFile, target entity.Entity,
	opts Options, completed, total int) error {
	data, err := contents(f, opts)
	if err != nil {
		return err
	}

	rel := relTo(opts.RemoteRoot, target.Abspath())
	_, err = sess.Upload(target.Abspath(), data, func(done, size int) {
		opts.Progress(completed, total, done, size, OpUpload, rel)
	})
	return err
}

func downloadManifest(sess *explorer.Session, manifestPath string, logger *log.Logger) Manifest {
	data, err := sess.Download(manifestPath, nil)
	if err != nil {
		if !errors.IsNotFound(err) {
			logger.WithError(err).Debug("Failed to read manifest. All files will be uploaded.")
		}
		return Manifest{}
	}
	return ParseManifest(data)
}

// snapshotRemote lists the remote tree under `root` that's accepted by the
// filter. A missing root is an empty tree.
func snapshotRemote(sess *explorer.Session, root string, filter Filter) (entity.Set, error) {
	dir, ok, err := sess.Exist(root)
	if err != nil {
		return nil, errors.WithContext(err, "stat remote root")
	}
	if !ok || !dir.IsDir() {
		return entity.NewSet(), nil
	}

	entities, err := sess.Walk(root, true)
	if err != nil {
		return nil, errors.WithContext(err, "walk remote tree")
	}

	remote := entity.NewSet()
	for _, e := range entities {
		if rel, ok := entity.Rel(root, e.Abspath()); ok && filter.Match(rel) {
			remote.Add(e)
		}
	}
	return remote, nil
}

func warnOldFirmware(logger *log.Logger, info explorer.Info) {
	release, err := goversion.NewVersion(info.Release)
	if err != nil {
		logger.WithField("release", info.Release).Debug("Failed to parse firmware release")
		return
	}

	if release.LessThan(minCompiledRelease) {
		logger.WithField("release", info.Release).Warnf(
			"The device firmware is older than %s. Compiled files may fail to import.",
			minCompiledRelease)
	}
}

// pruneNested returns the entities of `set` sorted by path, leaving out any
// entity inside a directory that's also in the set.
func pruneNested(set entity.Set) []entity.Entity {
	var sorted []entity.Entity
	for _, e := range set {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Abspath() < sorted[j].Abspath()
	})

	var pruned []entity.Entity
	for _, e := range sorted {
		nested := false
		for _, parent := range pruned {
			if parent.IsDir() && strings.HasPrefix(e.Abspath(), parent.Abspath()+"/") {
				nested = true
				break
			}
		}
		if !nested {
			pruned = append(pruned, e)
		}
	}
	return pruned
}

func relTo(root, p string) string {
	if rel, ok := entity.Rel(root, p); ok {
		return rel
	}
	return p
}
