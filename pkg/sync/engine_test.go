package sync

import (
	goErrors "errors"
	"fmt"
	"testing"

	log "github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mpysync/pkg/errors"
	"github.com/sidkik/mpysync/pkg/explorer"
	"github.com/sidkik/mpysync/pkg/explorer/memdevice"
)

type fakeCompiler struct {
	fail     map[string]bool
	compiled []string
}

func (c *fakeCompiler) Compile(src string) ([]byte, error) {
	if c.fail[src] {
		return nil, errors.CompileError{Path: src, Output: "SyntaxError"}
	}
	c.compiled = append(c.compiled, src)
	data, err := afero.ReadFile(fs, src)
	if err != nil {
		return nil, err
	}
	return append([]byte("compiled:"), data...), nil
}

type syncTest struct {
	dev     *memdevice.Device
	client  *explorer.Explorer
	logHook *logrusTest.Hook
	opts    Options
}

func newSyncTest(t *testing.T, files map[string]string) *syncTest {
	fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/project", 0755))
	for path, contents := range files {
		require.NoError(t, afero.WriteFile(fs, "/project/"+path, []byte(contents), 0644))
	}

	logger, hook := logrusTest.NewNullLogger()
	opts := DefaultOptions()
	opts.LocalRoot = "/project"
	opts.Log = logger

	dev := memdevice.New()
	return &syncTest{
		dev:     dev,
		client:  explorer.New(dev),
		logHook: hook,
		opts:    opts,
	}
}

func (test *syncTest) run(t *testing.T) Result {
	res, err := Run(test.client, test.opts)
	require.NoError(t, err)
	return res
}

func (test *syncTest) manifest(t *testing.T) Manifest {
	data, ok := test.dev.ReadFile(DefaultManifestPath)
	require.True(t, ok, "manifest wasn't written")
	return ParseManifest(data)
}

func (test *syncTest) remote(t *testing.T, path string) string {
	data, ok := test.dev.ReadFile(path)
	assert.True(t, ok, "%s is missing", path)
	return string(data)
}

func TestSyncTwiceIsNoop(t *testing.T) {
	test := newSyncTest(t, map[string]string{
		"main.py":      "print('hi')",
		"lib/util.py":  "x = 1",
		"lib/data.txt": "data",
	})

	res := test.run(t)
	assert.Equal(t, []string{"/lib/data.txt", "/lib/util.py", "/main.py"}, res.Uploaded)
	assert.Empty(t, res.Deleted)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "x = 1", test.remote(t, "/lib/util.py"))
	assert.Equal(t, "print('hi')", test.remote(t, "/main.py"))
	assert.Len(t, test.manifest(t), 3)

	// The explorer was initialized by the sync, so it's closed again.
	assert.Equal(t, explorer.Unknown, test.client.Status())

	res = test.run(t)
	assert.Empty(t, res.Uploaded)
	assert.Empty(t, res.Deleted)
	assert.Empty(t, res.Warnings)
}

func TestSyncUploadsModified(t *testing.T) {
	test := newSyncTest(t, map[string]string{
		"a.py": "a",
		"b.py": "b",
	})
	test.run(t)

	require.NoError(t, afero.WriteFile(fs, "/project/b.py", []byte("changed"), 0644))
	res := test.run(t)
	assert.Equal(t, []string{"/b.py"}, res.Uploaded)
	assert.Equal(t, "changed", test.remote(t, "/b.py"))

	test.opts.Incremental = false
	res = test.run(t)
	assert.Equal(t, []string{"/a.py", "/b.py"}, res.Uploaded)
}

func TestSyncDeletesExtra(t *testing.T) {
	test := newSyncTest(t, map[string]string{"main.py": "main"})
	test.dev.WriteFile("/old.py", []byte("old"))
	test.dev.WriteFile("/olddir/x.py", []byte("x"))
	test.dev.WriteFile(DefaultManifestPath, []byte("not json"))
	test.opts.AllowHidden = true

	res := test.run(t)
	assert.Equal(t, []string{"/old.py", "/olddir"}, res.Deleted)
	assert.Equal(t, []string{"/main.py"}, res.Uploaded)
	assert.Equal(t, []string{"/", DefaultManifestPath, "/main.py"}, test.dev.Paths())
	manifest := test.manifest(t)
	assert.Len(t, manifest, 1)
	assert.Contains(t, manifest, "/main.py")
}

func TestSyncKeepsExtra(t *testing.T) {
	test := newSyncTest(t, map[string]string{"main.py": "main"})
	test.dev.WriteFile("/old.py", []byte("old"))
	test.opts.DeleteExtra = false

	res := test.run(t)
	assert.Empty(t, res.Deleted)
	assert.Equal(t, "old", test.remote(t, "/old.py"))
}

func TestSyncDeletesBeforeUploading(t *testing.T) {
	test := newSyncTest(t, map[string]string{"lib/util.py": "x"})
	test.dev.WriteFile("/zzz.py", []byte("old"))

	var ops []string
	test.opts.Progress = func(completed, total, subCompleted, subTotal int, op, target string) {
		if subTotal == 0 {
			ops = append(ops, fmt.Sprintf("%d/%d %s %s", completed, total, op, target))
		}
	}
	test.run(t)

	assert.Equal(t, []string{
		"0/2 delete zzz.py",
		"1/2 mkdir .",
		"1/2 mkdir lib",
		"1/2 upload lib/util.py",
	}, ops)
}

func TestSyncProgressReportsBytes(t *testing.T) {
	data := make([]byte, explorer.ChunkSize+1)
	test := newSyncTest(t, map[string]string{"big.bin": string(data)})

	var sub [][2]int
	test.opts.Progress = func(completed, total, subCompleted, subTotal int, op, target string) {
		if op == OpUpload && subTotal != 0 {
			assert.Equal(t, "big.bin", target)
			assert.Equal(t, 1, total)
			sub = append(sub, [2]int{subCompleted, subTotal})
		}
	}
	test.run(t)

	assert.Equal(t, [][2]int{{explorer.ChunkSize, len(data)}, {len(data), len(data)}}, sub)
}

func TestSyncCompileToggle(t *testing.T) {
	test := newSyncTest(t, map[string]string{
		"main.py":     "main",
		"lib/util.py": "util",
	})
	test.run(t)
	plainHash := test.manifest(t)["/lib/util.py"]

	compiler := &fakeCompiler{}
	test.opts.Compile = true
	test.opts.Compiler = compiler
	res := test.run(t)

	assert.Equal(t, []string{"/lib/util.mpy"}, res.Uploaded)
	assert.Equal(t, []string{"/lib/util.py"}, res.Deleted)
	assert.Equal(t, []string{"/project/lib/util.py"}, compiler.compiled)
	assert.Equal(t, "compiled:util", test.remote(t, "/lib/util.mpy"))
	assert.Equal(t, "main", test.remote(t, "/main.py"))
	_, ok := test.dev.ReadFile("/lib/util.py")
	assert.False(t, ok)

	compiledHash := test.manifest(t)["/lib/util.py"]
	assert.NotEqual(t, plainHash, compiledHash)

	// Turning compilation back off restores the source.
	test.opts.Compile = false
	res = test.run(t)
	assert.Equal(t, []string{"/lib/util.py"}, res.Uploaded)
	assert.Equal(t, []string{"/lib/util.mpy"}, res.Deleted)
	assert.Equal(t, plainHash, test.manifest(t)["/lib/util.py"])
}

func TestSyncCompileWithoutCompiler(t *testing.T) {
	test := newSyncTest(t, map[string]string{"lib/util.py": "util"})
	test.opts.Compile = true

	_, err := Run(test.client, test.opts)
	var compileErr errors.CompileError
	assert.True(t, goErrors.As(err, &compileErr))
	assert.Equal(t, "/project/lib/util.py", compileErr.Path)
	assert.Empty(t, test.dev.Commands())

	// Nothing needs compiling, so there's no need for a compiler.
	test = newSyncTest(t, map[string]string{"main.py": "main"})
	test.opts.Compile = true
	res := test.run(t)
	assert.Equal(t, []string{"/main.py"}, res.Uploaded)
}

func TestSyncFaultIsolation(t *testing.T) {
	test := newSyncTest(t, map[string]string{
		"a.py": "a",
		"b.py": "b",
		"c.py": "c",
	})
	test.dev.FailWrites["/b.py"] = true

	res := test.run(t)
	assert.Equal(t, []string{"/a.py", "/c.py"}, res.Uploaded)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "/b.py", res.Warnings[0].Path)
	assert.Equal(t, OpUpload, res.Warnings[0].Op)

	manifest := test.manifest(t)
	assert.Contains(t, manifest, "/a.py")
	assert.Contains(t, manifest, "/c.py")
	assert.NotContains(t, manifest, "/b.py")

	var warnings int
	for _, entry := range test.logHook.AllEntries() {
		if entry.Level == log.WarnLevel && entry.Data["path"] == "/b.py" {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)

	// Only the failed file is retried.
	delete(test.dev.FailWrites, "/b.py")
	res = test.run(t)
	assert.Equal(t, []string{"/b.py"}, res.Uploaded)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "b", test.remote(t, "/b.py"))
}

func TestSyncCompileFailureIsIsolated(t *testing.T) {
	test := newSyncTest(t, map[string]string{
		"bad.py":  "bad",
		"good.py": "good",
	})
	test.opts.Compile = true
	test.opts.Compiler = &fakeCompiler{fail: map[string]bool{"/project/bad.py": true}}

	res := test.run(t)
	assert.Equal(t, []string{"/good.mpy"}, res.Uploaded)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "/bad.py", res.Warnings[0].Path)
	assert.NotContains(t, test.manifest(t), "/bad.py")
}

func TestSyncFilters(t *testing.T) {
	test := newSyncTest(t, map[string]string{
		"lib/keep.py":  "keep",
		"lib/drop.py":  "drop",
		".hidden/x.py": "x",
		".env":         "secret",
		"main.py":      "main",
	})
	test.opts.Include = []string{"lib/keep.py"}
	test.opts.Exclude = []string{"lib/*"}
	test.dev.WriteFile("/lib/remote-only.txt", []byte("remote"))

	res := test.run(t)
	assert.Equal(t, []string{"/lib/keep.py", "/main.py"}, res.Uploaded)

	// Excluded remote files aren't deleted.
	assert.Empty(t, res.Deleted)
	assert.Equal(t, "remote", test.remote(t, "/lib/remote-only.txt"))
	assert.False(t, test.dev.IsDir("/.hidden"))

	test.opts.AllowHidden = true
	res = test.run(t)
	assert.Equal(t, []string{"/.env", "/.hidden/x.py"}, res.Uploaded)
}

func TestSyncRemoteRoot(t *testing.T) {
	test := newSyncTest(t, map[string]string{"a.py": "a"})
	test.opts.RemoteRoot = "/app"
	test.dev.WriteFile("/other.py", []byte("other"))
	test.dev.WriteFile("/app/stale.py", []byte("stale"))

	res := test.run(t)
	assert.Equal(t, []string{"/app/a.py"}, res.Uploaded)
	assert.Equal(t, []string{"/app/stale.py"}, res.Deleted)
	assert.Equal(t, "other", test.remote(t, "/other.py"))
	assert.Contains(t, test.manifest(t), "/app/a.py")
}

func TestSyncKeepsExternalSession(t *testing.T) {
	test := newSyncTest(t, map[string]string{"a.py": "a"})
	require.NoError(t, test.client.Init())

	test.run(t)
	assert.Equal(t, explorer.Ready, test.client.Status())
	assert.True(t, test.dev.InRawREPL())
}

func TestSyncInitFails(t *testing.T) {
	test := newSyncTest(t, map[string]string{"a.py": "a"})
	test.dev.OpenErr = errors.ConnectionError{Device: "memdevice"}

	_, err := Run(test.client, test.opts)
	assert.Error(t, err)

	// The device is released.
	assert.Equal(t, explorer.Unknown, test.client.Status())
	sess := test.client.Hold()
	sess.Release()
}

func TestSyncWarnsOnOldFirmware(t *testing.T) {
	test := newSyncTest(t, map[string]string{"a.py": "a"})
	test.dev.Release = "1.11.0"
	test.opts.Compile = true
	test.opts.Compiler = &fakeCompiler{}
	test.run(t)

	var found bool
	for _, entry := range test.logHook.AllEntries() {
		if entry.Level == log.WarnLevel && entry.Data["release"] == "1.11.0" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name        string
		include     []string
		exclude     []string
		allowHidden bool
		path        string
		exp         bool
	}{
		{name: "Root", path: ".", exp: true},
		{name: "Plain", path: "lib/a.py", exp: true},
		{name: "HiddenFile", path: ".env", exp: false},
		{name: "HiddenDir", path: ".git/config", exp: false},
		{name: "HiddenAllowed", path: ".git/config", allowHidden: true, exp: true},
		{name: "Excluded", exclude: []string{"**.txt"}, path: "docs/a.txt", exp: false},
		{name: "IncludeBeatsExclude", include: []string{"lib/keep.py"},
			exclude: []string{"lib/*"}, path: "lib/keep.py", exp: true},
		{name: "IncludeBeatsHidden", include: []string{".config"}, path: ".config", exp: true},
		{name: "ExcludeBeatsAllowHidden", exclude: []string{".*"}, allowHidden: true,
			path: ".env", exp: false},
		{name: "SingleStarStopsAtSlash", exclude: []string{"lib/*"}, path: "lib/sub/a.py", exp: true},
		{name: "LeadingSlashIgnored", exclude: []string{"/boot.py"}, path: "boot.py", exp: false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			filter, err := NewFilter(test.include, test.exclude, test.allowHidden)
			require.NoError(t, err)
			assert.Equal(t, test.exp, filter.Match(test.path))
		})
	}
}

func TestFilterBadPattern(t *testing.T) {
	_, err := NewFilter(nil, []string{"[a-"}, false)
	assert.Error(t, err)
}

func TestParseManifest(t *testing.T) {
	assert.Equal(t, Manifest{"/a.py": "abc"}, ParseManifest([]byte(`{"/a.py": "abc"}`)))
	assert.Equal(t, Manifest{}, ParseManifest([]byte("garbage")))
	assert.Equal(t, Manifest{}, ParseManifest([]byte("null")))
	assert.Equal(t, Manifest{}, ParseManifest(nil))
}

func TestHashFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.py", []byte("hello"), 0644))

	plain, err := HashFile("/a.py", false)
	assert.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", plain)

	compiled, err := HashFile("/a.py", true)
	assert.NoError(t, err)
	assert.NotEqual(t, plain, compiled)

	_, err = HashFile("/missing", false)
	assert.Error(t, err)
}
