// Package explorer implements a filesystem client for a MicroPython device.
//
// Every operation on an Explorer holds the device lock for its full duration,
// since the device executes a single command at a time. Callers that need to
// run several operations without interleaving, such as a sync, acquire the
// device with Hold and issue the operations through the returned Session,
// which runs them without re-acquiring the lock.
package explorer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sidkik/mpysync/pkg/entity"
	"github.com/sidkik/mpysync/pkg/pyboard"
)

// ChunkSize is the size of each block transferred by Download and Upload.
const ChunkSize = 512

// retryDelay is how long to wait before the second attempt at entering the
// raw REPL.
const retryDelay = 500 * time.Millisecond

// Status describes whether the explorer can be used.
type Status int32

const (
	// Unknown means the explorer hasn't been initialized.
	Unknown Status = iota
	// Ready means the explorer is initialized and the device is free.
	Ready
	// Busy means the explorer is initialized but the device is held.
	Busy
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// Device is the command channel to the board.
type Device interface {
	Name() string
	Open() error
	EnterRawREPL() error
	Exec(command string) ([]byte, error)
	Eval(expression string) ([]byte, error)

	// Exit leaves the raw REPL and closes the link, ignoring errors.
	Exit()
}

// Progress is called after each transferred chunk.
type Progress func(done, total int)

// Info describes the firmware of the connected device.
type Info struct {
	// Platform is the value of `uos.uname()[0]`, e.g. "esp32".
	Platform string

	// Release is the firmware release, e.g. "1.19.1".
	Release string
}

// Explorer is a lock-protected filesystem client for a single device.
type Explorer struct {
	lock   sync.Mutex
	status int32

	device Device
	clock  clockwork.Clock
	cwd    string
	info   Info
}

// New creates an explorer for `device`. The device isn't contacted until
// Init is called.
func New(device Device) *Explorer {
	return &Explorer{
		device: device,
		clock:  clockwork.NewRealClock(),
		cwd:    "/",
	}
}

// NewSerial creates an explorer for the board attached to the serial port.
func NewSerial(port string, baud int, opts ...pyboard.Option) *Explorer {
	return New(pyboard.New(port, baud, opts...))
}

// WithClock sets the clock used between raw REPL attempts.
func (e *Explorer) WithClock(clock clockwork.Clock) *Explorer {
	e.clock = clock
	return e
}

// Status returns whether the explorer is initialized, and if so, whether
// the device is currently held.
func (e *Explorer) Status() Status {
	if !e.initialized() {
		return Unknown
	}
	if e.lock.TryLock() {
		e.lock.Unlock()
		return Ready
	}
	return Busy
}

func (e *Explorer) initialized() bool {
	return Status(atomic.LoadInt32(&e.status)) == Ready
}

func (e *Explorer) setStatus(s Status) {
	atomic.StoreInt32(&e.status, int32(s))
}

// Hold acquires the device until the returned session is released.
func (e *Explorer) Hold() *Session {
	e.lock.Lock()
	return &Session{e: e}
}

// Init connects to the device.
func (e *Explorer) Init() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.init()
}

// Close disconnects from the device.
func (e *Explorer) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.close()
}

// Info returns the firmware information captured by Init.
func (e *Explorer) Info() Info {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.info
}

// Pwd returns the remote working directory.
func (e *Explorer) Pwd() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.cwd
}

// Abspath resolves `path` against the remote working directory.
func (e *Explorer) Abspath(path string) string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.abspath(path)
}

// Cd changes the remote working directory.
func (e *Explorer) Cd(path string) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.cd(path)
}

// Stat returns the entity at `path`.
func (e *Explorer) Stat(path string) (entity.Entity, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.stat(path)
}

// Exist is like Stat, but returns false instead of an error if the path
// doesn't exist.
func (e *Explorer) Exist(path string) (entity.Entity, bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.exist(path)
}

// Ls lists the children of the directory at `path`, directories first,
// each group sorted by name.
func (e *Explorer) Ls(path string) ([]entity.Entity, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.ls(path)
}

// Mkdir creates a single directory. Its parent must exist.
func (e *Explorer) Mkdir(path string) (entity.Entity, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.mkdir(path)
}

// Mkdirs creates the directory at `path` and any missing parents.
func (e *Explorer) Mkdirs(path string) (entity.Entity, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.mkdirs(path)
}

// Rm removes a file or an empty directory.
func (e *Explorer) Rm(path string) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.rm(path)
}

// Rmtree removes `path` and everything under it. It's a no-op if the path
// doesn't exist.
func (e *Explorer) Rmtree(path string) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.rmtree(path)
}

// Walk returns every entity under the directory at `path`, including the
// directory itself.
func (e *Explorer) Walk(path string, topdown bool) ([]entity.Entity, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.walk(path, topdown)
}

// Download reads the file at `path`.
func (e *Explorer) Download(path string, progress Progress) ([]byte, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.download(path, progress)
}

// Upload writes `data` to the file at `path`, creating parent directories
// as needed.
func (e *Explorer) Upload(path string, data []byte, progress Progress) (entity.Entity, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.upload(path, data, progress)
}

// Exec runs an arbitrary command on the device and returns its stdout.
func (e *Explorer) Exec(command string) ([]byte, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.device.Exec(command)
}

// Session is a held device. Its operations run without re-acquiring the
// device lock. A Session must not be used after Release.
type Session struct {
	e        *Explorer
	released bool
}

// Release gives up the device. Releasing twice is a no-op.
func (s *Session) Release() {
	if s.released {
		return
	}
	s.released = true
	s.e.lock.Unlock()
}

// Initialized returns whether the explorer was initialized.
func (s *Session) Initialized() bool { return s.e.initialized() }

// Init connects to the device.
func (s *Session) Init() error { return s.e.init() }

// Close disconnects from the device.
func (s *Session) Close() { s.e.close() }

// Info returns the firmware information captured by Init.
func (s *Session) Info() Info { return s.e.info }

// Pwd returns the remote working directory.
func (s *Session) Pwd() string { return s.e.cwd }

// Abspath resolves `path` against the remote working directory.
func (s *Session) Abspath(path string) string { return s.e.abspath(path) }

// Cd changes the remote working directory.
func (s *Session) Cd(path string) error { return s.e.cd(path) }

// Stat returns the entity at `path`.
func (s *Session) Stat(path string) (entity.Entity, error) { return s.e.stat(path) }

// Exist is like Stat, but reports a missing path with false.
func (s *Session) Exist(path string) (entity.Entity, bool, error) { return s.e.exist(path) }

// Ls lists the children of the directory at `path`.
func (s *Session) Ls(path string) ([]entity.Entity, error) { return s.e.ls(path) }

// Mkdir creates a single directory.
func (s *Session) Mkdir(path string) (entity.Entity, error) { return s.e.mkdir(path) }

// Mkdirs creates the directory at `path` and any missing parents.
func (s *Session) Mkdirs(path string) (entity.Entity, error) { return s.e.mkdirs(path) }

// Rm removes a file or an empty directory.
func (s *Session) Rm(path string) error { return s.e.rm(path) }

// Rmtree removes `path` and everything under it.
func (s *Session) Rmtree(path string) error { return s.e.rmtree(path) }

// Walk returns every entity under the directory at `path`.
func (s *Session) Walk(path string, topdown bool) ([]entity.Entity, error) {
	return s.e.walk(path, topdown)
}

// Download reads the file at `path`.
func (s *Session) Download(path string, progress Progress) ([]byte, error) {
	return s.e.download(path, progress)
}

// Upload writes `data` to the file at `path`.
func (s *Session) Upload(path string, data []byte, progress Progress) (entity.Entity, error) {
	return s.e.upload(path, data, progress)
}

// Exec runs an arbitrary command on the device.
func (s *Session) Exec(command string) ([]byte, error) { return s.e.device.Exec(command) }
