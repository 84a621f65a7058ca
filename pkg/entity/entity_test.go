package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		file string
		kind Kind
		size int64
		exp  Entity
	}{
		{
			name: "File",
			dir:  "/lib",
			file: "foo.py",
			kind: File,
			size: 12,
			exp:  Entity{Dir: "/lib", Name: "foo.py", Kind: File, Size: 12},
		},
		{
			name: "NestedName",
			dir:  "/",
			file: "lib/sub/foo.py",
			kind: File,
			size: 1,
			exp:  Entity{Dir: "/lib/sub", Name: "foo.py", Kind: File, Size: 1},
		},
		{
			name: "DirectoryDropsNameAndSize",
			dir:  "/lib",
			file: "sub",
			kind: Directory,
			size: 100,
			exp:  Entity{Dir: "/lib/sub", Kind: Directory, Size: SizeUnknown},
		},
		{
			name: "Root",
			dir:  "/",
			kind: Directory,
			exp:  Entity{Dir: "/", Kind: Directory, Size: SizeUnknown},
		},
		{
			name: "WindowsSeparators",
			dir:  `C:\lib`,
			file: `sub\foo.py`,
			kind: File,
			size: 3,
			exp:  Entity{Dir: "/lib/sub", Name: "foo.py", Kind: File, Size: 3},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, New(test.dir, test.file, test.kind, test.size))
		})
	}
}

func TestAbspath(t *testing.T) {
	assert.Equal(t, "/lib/foo.py", NewFile("/lib/foo.py", 1).Abspath())
	assert.Equal(t, "/lib", NewDir("/lib").Abspath())
	assert.Equal(t, "/", NewDir("/").Abspath())
}

func TestEqualIgnoresSize(t *testing.T) {
	a := NewFile("/main.py", 10)
	b := NewFile("/main.py", 20)
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.Equal(NewFile("/boot.py", 10)))
}

func TestSetKeyMatchesEquality(t *testing.T) {
	// A file and a directory at the same path are equal, so they must also
	// collapse into a single set member.
	set := NewSet(NewFile("/x", 1), NewDir("/x"))
	assert.Len(t, set, 1)
	assert.True(t, set.Has(NewFile("/x", 5)))
}

func TestSetMinus(t *testing.T) {
	remote := NewSet(NewDir("/"), NewFile("/a.py", 1), NewFile("/b.py", 2))
	local := NewSet(NewDir("/"), NewFile("/a.py", 100))
	assert.Equal(t, NewSet(NewFile("/b.py", 2)), remote.Minus(local))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		cwd, path, exp string
	}{
		{"/a/b", "../c", "/a/c"},
		{"/", "../../x", "/x"},
		{"/a", "b/./c", "/a/b/c"},
		{"/a", "/abs/path", "/abs/path"},
		{"/a/b", "", "/a/b"},
		{"/a/b", "../../../..", "/"},
		{"/", `lib\foo.py`, "/lib/foo.py"},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, Resolve(test.cwd, test.path),
			"Resolve(%q, %q)", test.cwd, test.path)
	}
}

func TestRel(t *testing.T) {
	rel, ok := Rel("/", "/lib/foo.py")
	assert.True(t, ok)
	assert.Equal(t, "lib/foo.py", rel)

	rel, ok = Rel("/app", "/app")
	assert.True(t, ok)
	assert.Equal(t, ".", rel)

	rel, ok = Rel("/app", "/app/main.py")
	assert.True(t, ok)
	assert.Equal(t, "main.py", rel)

	_, ok = Rel("/app", "/application/main.py")
	assert.False(t, ok)
}
