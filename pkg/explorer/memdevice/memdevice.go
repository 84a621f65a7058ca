// Package memdevice is an in-memory MicroPython board for tests. It
// understands the commands issued by the explorer and keeps the device
// filesystem in maps.
package memdevice

import (
	"encoding/base64"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sidkik/mpysync/pkg/errors"
)

const (
	statDir  = 0x4000
	statFile = 0x8000
)

var (
	openRE     = regexp.MustCompile(`^f = open\((.*), '(rb|wb)'\)$`)
	readRE     = regexp.MustCompile(`^c = ubinascii\.b2a_base64\(f\.read\((\d+)\)\)\r\nsys\.stdout\.write\(c\)\r\n$`)
	writeRE    = regexp.MustCompile(`^f\.write\(ubinascii\.a2b_base64\('([A-Za-z0-9+/=]*)'\)\)$`)
	statRE     = regexp.MustCompile(`^uos\.stat\((.*)\)$`)
	listdirRE  = regexp.MustCompile(`^list\(uos\.ilistdir\((.*)\)\)$`)
	mkdirRE    = regexp.MustCompile(`^uos\.mkdir\((.*)\)$`)
	rmdirRE    = regexp.MustCompile(`^uos\.rmdir\((.*)\)$`)
	removeRE   = regexp.MustCompile(`^uos\.remove\((.*)\)$`)
	unameRE    = regexp.MustCompile(`^uos\.uname\(\)\[(\d)\]$`)
	importsRE  = regexp.MustCompile(`^try:\n    import u(os|binascii)\n`)
	oserrorFmt = "Traceback (most recent call last):\r\n" +
		"  File \"<stdin>\", line 1, in <module>\r\n" +
		"OSError: %s\r\n"
)

type openFile struct {
	path  string
	write bool
	data  []byte
	pos   int
}

// Device is an in-memory board. The zero value isn't usable; create one
// with New.
type Device struct {
	// Platform and Release are reported through uos.uname().
	Platform string
	Release  string

	// Cwd is the working directory reported by uos.getcwd().
	Cwd string

	// OpenErr is returned by Open when set.
	OpenErr error

	// RawREPLFailures is the number of EnterRawREPL calls that fail before
	// one succeeds.
	RawREPLFailures int

	// FailWrites lists the paths whose writes fail with ENOSPC.
	FailWrites map[string]bool

	// OmitListSizes makes ilistdir return three-element entries, like
	// ports that don't report sizes.
	OmitListSizes bool

	// StatFaults maps paths to the exception line raised by uos.stat on
	// them, e.g. "MemoryError: alloc failed".
	StatFaults map[string]string

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	open     *openFile
	rawREPL  bool
	uploads  []string
	removed  []string
	commands []string
}

// New creates an empty device.
func New() *Device {
	return &Device{
		Platform:   "esp32",
		Release:    "1.19.1",
		Cwd:        "/",
		FailWrites: map[string]bool{},
		StatFaults: map[string]string{},
		files:      map[string][]byte{},
		dirs:       map[string]bool{"/": true},
	}
}

// WriteFile seeds a file, creating its parents.
func (d *Device) WriteFile(p string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mkdirAll(path.Dir(p))
	d.files[p] = append([]byte(nil), data...)
}

// MkdirAll seeds a directory and its parents.
func (d *Device) MkdirAll(p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mkdirAll(p)
}

// ReadFile returns the contents of a file.
func (d *Device) ReadFile(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[p]
	return data, ok
}

// IsDir returns whether `p` is a directory.
func (d *Device) IsDir(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirs[p]
}

// Paths returns every file and directory on the device, sorted.
func (d *Device) Paths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var paths []string
	for p := range d.files {
		paths = append(paths, p)
	}
	for p := range d.dirs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Uploads returns the paths opened for writing, in order.
func (d *Device) Uploads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.uploads...)
}

// Removed returns the paths removed by uos.remove and uos.rmdir, in order.
func (d *Device) Removed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.removed...)
}

// Commands returns every command received, in order.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// ResetLog clears the recorded uploads, removals and commands.
func (d *Device) ResetLog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploads = nil
	d.removed = nil
	d.commands = nil
}

// Name returns the device name.
func (d *Device) Name() string {
	return "memdevice"
}

// Open opens the simulated link.
func (d *Device) Open() error {
	return d.OpenErr
}

// EnterRawREPL enters the simulated raw REPL.
func (d *Device) EnterRawREPL() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.RawREPLFailures > 0 {
		d.RawREPLFailures--
		return errors.NewProtocolError("could not enter raw repl")
	}
	d.rawREPL = true
	return nil
}

// Exit leaves the simulated raw REPL.
func (d *Device) Exit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rawREPL = false
	d.open = nil
}

// InRawREPL returns whether the device is in the raw REPL.
func (d *Device) InRawREPL() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rawREPL
}

// Exec runs a statement.
func (d *Device) Exec(command string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, command)
	if !d.rawREPL {
		return nil, errors.NewProtocolError("not in raw repl")
	}

	if importsRE.MatchString(command) {
		return nil, nil
	}

	if m := openRE.FindStringSubmatch(command); m != nil {
		return nil, d.openFile(unquote(m[1]), m[2] == "wb")
	}

	if m := readRE.FindStringSubmatch(command); m != nil {
		n, _ := strconv.Atoi(m[1])
		return d.read(n)
	}

	if m := writeRE.FindStringSubmatch(command); m != nil {
		return nil, d.write(m[1])
	}

	if command == "f.close()" {
		return nil, d.closeFile()
	}

	if strings.HasPrefix(command, "print(") && strings.HasSuffix(command, ")") {
		out, err := d.eval(command[len("print(") : len(command)-1])
		if err != nil {
			return nil, err
		}
		return append(out, '\r', '\n'), nil
	}
	return nil, nameError(command)
}

// Eval evaluates an expression and returns its printed value.
func (d *Device) Eval(expression string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, expression)
	if !d.rawREPL {
		return nil, errors.NewProtocolError("not in raw repl")
	}
	return d.eval(expression)
}

func (d *Device) eval(expr string) ([]byte, error) {
	if expr == "uos.getcwd()" {
		return []byte(d.Cwd), nil
	}

	if m := unameRE.FindStringSubmatch(expr); m != nil {
		switch m[1] {
		case "0":
			return []byte(d.Platform), nil
		case "2":
			return []byte(d.Release), nil
		}
		return []byte(""), nil
	}

	if m := statRE.FindStringSubmatch(expr); m != nil {
		return d.stat(unquote(m[1]))
	}

	if m := listdirRE.FindStringSubmatch(expr); m != nil {
		return d.listdir(unquote(m[1]))
	}

	if m := mkdirRE.FindStringSubmatch(expr); m != nil {
		return none(d.mkdir(unquote(m[1])))
	}

	if m := rmdirRE.FindStringSubmatch(expr); m != nil {
		return none(d.rmdir(unquote(m[1])))
	}

	if m := removeRE.FindStringSubmatch(expr); m != nil {
		return none(d.remove(unquote(m[1])))
	}
	return nil, nameError(expr)
}

func (d *Device) stat(p string) ([]byte, error) {
	if fault, ok := d.StatFaults[p]; ok {
		return nil, remoteError(fault)
	}
	if d.dirs[p] {
		return []byte(fmt.Sprintf("(%d, 0, 0, 0, 0, 0, 0, 0, 0, 0)", statDir)), nil
	}
	if data, ok := d.files[p]; ok {
		return []byte(fmt.Sprintf("(%d, 0, 0, 0, 0, 0, %d, 0, 0, 0)", statFile, len(data))), nil
	}
	return nil, osError("[Errno 2] ENOENT")
}

func (d *Device) listdir(p string) ([]byte, error) {
	if !d.dirs[p] {
		return nil, osError("[Errno 2] ENOENT")
	}

	var entries []string
	for _, child := range d.children(p) {
		name := quoteName(path.Base(child))
		if d.dirs[child] {
			if d.OmitListSizes {
				entries = append(entries, fmt.Sprintf("(%s, %d, 0)", name, statDir))
			} else {
				entries = append(entries, fmt.Sprintf("(%s, %d, 0, 0)", name, statDir))
			}
			continue
		}
		if d.OmitListSizes {
			entries = append(entries, fmt.Sprintf("(%s, %d, 0)", name, statFile))
		} else {
			entries = append(entries, fmt.Sprintf("(%s, %d, 0, %d)", name, statFile, len(d.files[child])))
		}
	}
	return []byte("[" + strings.Join(entries, ", ") + "]"), nil
}

func (d *Device) mkdir(p string) error {
	if _, ok := d.files[p]; ok || d.dirs[p] {
		return osError("[Errno 17] EEXIST")
	}
	if !d.dirs[path.Dir(p)] {
		return osError("[Errno 2] ENOENT")
	}
	d.dirs[p] = true
	return nil
}

func (d *Device) rmdir(p string) error {
	if !d.dirs[p] {
		return osError("[Errno 2] ENOENT")
	}
	if len(d.children(p)) > 0 || p == "/" {
		return osError("[Errno 39] ENOTEMPTY")
	}
	delete(d.dirs, p)
	d.removed = append(d.removed, p)
	return nil
}

func (d *Device) remove(p string) error {
	if d.dirs[p] {
		return osError("[Errno 21] EISDIR")
	}
	if _, ok := d.files[p]; !ok {
		return osError("[Errno 2] ENOENT")
	}
	delete(d.files, p)
	d.removed = append(d.removed, p)
	return nil
}

func (d *Device) openFile(p string, write bool) error {
	if d.dirs[p] {
		return osError("[Errno 21] EISDIR")
	}
	if !write {
		data, ok := d.files[p]
		if !ok {
			return osError("[Errno 2] ENOENT")
		}
		d.open = &openFile{path: p, data: data}
		return nil
	}

	if !d.dirs[path.Dir(p)] {
		return osError("[Errno 2] ENOENT")
	}
	d.files[p] = []byte{}
	d.uploads = append(d.uploads, p)
	d.open = &openFile{path: p, write: true}
	return nil
}

func (d *Device) read(n int) ([]byte, error) {
	if d.open == nil || d.open.write {
		return nil, nameError("f")
	}

	end := d.open.pos + n
	if end > len(d.open.data) {
		end = len(d.open.data)
	}
	chunk := d.open.data[d.open.pos:end]
	d.open.pos = end
	return []byte(base64.StdEncoding.EncodeToString(chunk) + "\n"), nil
}

func (d *Device) write(encoded string) error {
	if d.open == nil || !d.open.write {
		return nameError("f")
	}
	if d.FailWrites[d.open.path] {
		return osError("[Errno 28] ENOSPC")
	}

	chunk, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errors.RemoteExecutionError{Stderr: []byte("ValueError: incorrect padding\r\n")}
	}
	d.files[d.open.path] = append(d.files[d.open.path], chunk...)
	return nil
}

func (d *Device) closeFile() error {
	if d.open == nil {
		return nameError("f")
	}
	d.open = nil
	return nil
}

func (d *Device) mkdirAll(p string) {
	for ; p != "/" && p != "."; p = path.Dir(p) {
		d.dirs[p] = true
	}
}

func (d *Device) children(dir string) []string {
	var children []string
	for p := range d.files {
		if p != dir && path.Dir(p) == dir {
			children = append(children, p)
		}
	}
	for p := range d.dirs {
		if p != dir && path.Dir(p) == dir {
			children = append(children, p)
		}
	}
	sort.Strings(children)
	return children
}

func none(err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return []byte("None"), nil
}

func osError(msg string) error {
	return errors.RemoteExecutionError{Stderr: []byte(fmt.Sprintf(oserrorFmt, msg))}
}

func remoteError(exception string) error {
	stderr := fmt.Sprintf("Traceback (most recent call last):\r\n"+
		"  File \"<stdin>\", line 1, in <module>\r\n%s\r\n", exception)
	return errors.RemoteExecutionError{Stderr: []byte(stderr)}
}

func nameError(cmd string) error {
	stderr := fmt.Sprintf("Traceback (most recent call last):\r\n"+
		"NameError: name not defined: %q\r\n", cmd)
	return errors.RemoteExecutionError{Stderr: []byte(stderr)}
}

// unquote reverses the single-quoted literals used in commands.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return s
	}

	var sb strings.Builder
	body := s[1 : len(s)-1]
	for i := 0; i < len(body); i++ {
		if body[i] == '\\' && i+1 < len(body) {
			i++
		}
		sb.WriteByte(body[i])
	}
	return sb.String()
}

func quoteName(name string) string {
	name = strings.ReplaceAll(name, `\`, `\\`)
	return "'" + strings.ReplaceAll(name, `'`, `\'`) + "'"
}
