// Package pyboard drives a MicroPython device through its raw REPL: the link
// is put into a mode where submitted text is executed and its output is framed
// by EOT bytes, with no echo.
//
// A Pyboard is not safe for concurrent use. Callers serialize access.
package pyboard

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mpysync/pkg/errors"
)

// DefaultBaudRate is the baud rate used by MicroPython's USB serial REPL.
const DefaultBaudRate = 115200

var (
	interrupt     = []byte("\r\x03\x03")
	enterRaw      = []byte("\r\x01")
	exitRaw       = []byte("\r\x02")
	softReset     = []byte("\x04")
	endOfCommand  = []byte("\x04")
	prompt        = []byte(">")
	commandOK     = []byte("OK")
	rawBanner     = []byte("raw REPL; CTRL-B to exit\r\n")
	rawPrompt     = []byte("raw REPL; CTRL-B to exit\r\n>")
	rebootBanner  = []byte("soft reboot\r\n")
	endOfSegment  = []byte("\x04")
	burstSize     = 256
	burstDelay    = 10 * time.Millisecond
	pollInterval  = 10 * time.Millisecond
	bannerTimeout = 100 * time.Millisecond
)

// DefaultTimeout bounds how long the device may stay silent while we wait
// for a response.
const DefaultTimeout = 10 * time.Second

// State is the lifecycle state of the connection.
type State int

const (
	// Closed means there is no open serial handle.
	Closed State = iota
	// Opening means the serial handle is being opened.
	Opening
	// Active means the serial handle is open.
	Active
)

// Pyboard is a connection to a single MicroPython device.
type Pyboard struct {
	device  string
	baud    int
	wait    int
	timeout time.Duration
	clock   clockwork.Clock

	port  Port
	state State
}

// Option configures a Pyboard.
type Option func(*Pyboard)

// WithClock sets the clock used for polling and timeouts.
func WithClock(clock clockwork.Clock) Option {
	return func(pyb *Pyboard) {
		pyb.clock = clock
	}
}

// WithWait makes Open retry once per second for up to `seconds` seconds
// while the device is unavailable.
func WithWait(seconds int) Option {
	return func(pyb *Pyboard) {
		pyb.wait = seconds
	}
}

// WithTimeout sets the inactivity timeout for command responses.
func WithTimeout(timeout time.Duration) Option {
	return func(pyb *Pyboard) {
		pyb.timeout = timeout
	}
}

// New creates a Pyboard for the serial device at `device`. The connection
// isn't opened until Open is called.
func New(device string, baud int, opts ...Option) *Pyboard {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	pyb := &Pyboard{
		device:  device,
		baud:    baud,
		timeout: DefaultTimeout,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(pyb)
	}
	return pyb
}

// Name returns the serial device path.
func (pyb *Pyboard) Name() string {
	return pyb.device
}

// State returns the lifecycle state of the connection.
func (pyb *Pyboard) State() State {
	return pyb.state
}

// Open opens the serial connection.
func (pyb *Pyboard) Open() error {
	pyb.state = Opening

	var lastErr error
	for attempt := 0; attempt <= pyb.wait; attempt++ {
		if attempt > 0 {
			log.WithField("device", pyb.device).Info("Waiting for device")
			pyb.clock.Sleep(time.Second)
		}

		port, err := openPort(pyb.device, pyb.baud)
		if err != nil {
			lastErr = err
			continue
		}

		if err := port.SetReadTimeout(0); err != nil {
			port.Close()
			pyb.state = Closed
			return errors.ConnectionError{Device: pyb.device, Err: err}
		}
		pyb.port = port
		pyb.state = Active
		return nil
	}

	pyb.state = Closed
	return errors.ConnectionError{Device: pyb.device, Err: lastErr}
}

// Close closes the serial connection.
func (pyb *Pyboard) Close() error {
	if pyb.port == nil {
		pyb.state = Closed
		return nil
	}
	err := pyb.port.Close()
	pyb.port = nil
	pyb.state = Closed
	return err
}

// EnterRawREPL interrupts any running program, switches the device into the
// raw REPL, and soft resets it so that each session starts from a clean
// interpreter.
func (pyb *Pyboard) EnterRawREPL() error {
	if err := pyb.write(interrupt); err != nil {
		return err
	}
	if err := pyb.drain(); err != nil {
		return err
	}

	if err := pyb.write(enterRaw); err != nil {
		return err
	}
	if _, err := pyb.readUntil(1, rawPrompt, bannerTimeout); err != nil {
		return errors.NewProtocolError("could not enter raw repl")
	}

	if err := pyb.write(softReset); err != nil {
		return err
	}
	if _, err := pyb.readUntil(1, rebootBanner, pyb.timeout); err != nil {
		return errors.NewProtocolError("could not enter raw repl: no soft reboot")
	}

	// boot.py may print after the reboot banner, so the raw REPL banner is
	// waited for separately.
	if _, err := pyb.readUntil(1, rawBanner, pyb.timeout); err != nil {
		return errors.NewProtocolError("could not enter raw repl after soft reboot")
	}
	return nil
}

// ExitRawREPL switches the device back to the friendly REPL.
func (pyb *Pyboard) ExitRawREPL() error {
	return pyb.write(exitRaw)
}

// Exit leaves the raw REPL and closes the connection. Both steps are best
// effort.
func (pyb *Pyboard) Exit() {
	if pyb.port == nil {
		pyb.state = Closed
		return
	}
	if err := pyb.ExitRawREPL(); err != nil {
		log.WithError(err).Debug("Failed to exit raw repl")
	}
	if err := pyb.Close(); err != nil {
		log.WithError(err).Debug("Failed to close serial port")
	}
}

// ExecRaw runs `command` and returns what it wrote to stdout and stderr.
func (pyb *Pyboard) ExecRaw(command []byte) (stdout, stderr []byte, err error) {
	if err := pyb.execNoFollow(command); err != nil {
		return nil, nil, err
	}
	return pyb.follow()
}

func (pyb *Pyboard) execNoFollow(command []byte) error {
	if _, err := pyb.readUntil(1, prompt, pyb.timeout); err != nil {
		return errors.NewProtocolError("could not enter raw repl: no prompt")
	}

	log.WithField("command", string(command)).Debug("Exec")

	// Writing in bursts avoids overrunning the device's input buffer.
	for i := 0; i < len(command); i += burstSize {
		end := i + burstSize
		if end > len(command) {
			end = len(command)
		}
		if err := pyb.write(command[i:end]); err != nil {
			return err
		}
		pyb.clock.Sleep(burstDelay)
	}
	if err := pyb.write(endOfCommand); err != nil {
		return err
	}

	resp, err := pyb.readExact(2, pyb.timeout)
	if err != nil || !bytes.Equal(resp, commandOK) {
		return errors.NewProtocolError("could not exec command (response: %q)", resp)
	}
	return nil
}

func (pyb *Pyboard) follow() (stdout, stderr []byte, err error) {
	stdout, err = pyb.readUntil(1, endOfSegment, pyb.timeout)
	if err != nil {
		return nil, nil, errors.NewProtocolError("timeout waiting for first EOF reception")
	}

	stderr, err = pyb.readUntil(1, endOfSegment, pyb.timeout)
	if err != nil {
		return nil, nil, errors.NewProtocolError("timeout waiting for second EOF reception")
	}
	return stdout[:len(stdout)-1], stderr[:len(stderr)-1], nil
}

// Exec runs `command` and returns its stdout. If the command raised, the
// error is a RemoteExecutionError carrying both output segments.
func (pyb *Pyboard) Exec(command string) ([]byte, error) {
	stdout, stderr, err := pyb.ExecRaw([]byte(command))
	if err != nil {
		return nil, err
	}
	if len(stderr) != 0 {
		return nil, errors.RemoteExecutionError{Stdout: stdout, Stderr: stderr}
	}
	return stdout, nil
}

// Eval prints `expression` on the device and returns the trimmed output.
func (pyb *Pyboard) Eval(expression string) ([]byte, error) {
	out, err := pyb.Exec(fmt.Sprintf("print(%s)", expression))
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(out), nil
}

func (pyb *Pyboard) write(data []byte) error {
	if pyb.port == nil {
		return errors.ConnectionError{Device: pyb.device, Err: errors.New("not open")}
	}
	if _, err := pyb.port.Write(data); err != nil {
		return errors.ConnectionError{Device: pyb.device, Err: err}
	}
	return nil
}

// readByte polls for a single byte. ok is false if nothing was available.
func (pyb *Pyboard) readByte() (b byte, ok bool, err error) {
	if pyb.port == nil {
		return 0, false, errors.ConnectionError{Device: pyb.device, Err: errors.New("not open")}
	}
	buf := make([]byte, 1)
	n, err := pyb.port.Read(buf)
	if err != nil {
		return 0, false, errors.ConnectionError{Device: pyb.device, Err: err}
	}
	return buf[0], n == 1, nil
}

// readUntil reads until at least `minBytes` were received and the data ends
// with `ending`. The timeout restarts whenever a byte arrives.
func (pyb *Pyboard) readUntil(minBytes int, ending []byte, timeout time.Duration) ([]byte, error) {
	var data []byte
	lastData := pyb.clock.Now()
	for len(data) < minBytes || !bytes.HasSuffix(data, ending) {
		b, ok, err := pyb.readByte()
		if err != nil {
			return data, err
		}
		if ok {
			data = append(data, b)
			lastData = pyb.clock.Now()
			continue
		}

		if pyb.clock.Now().Sub(lastData) >= timeout {
			return data, errors.NewProtocolError("timeout waiting for %q", ending)
		}
		pyb.clock.Sleep(pollInterval)
	}
	return data, nil
}

func (pyb *Pyboard) readExact(n int, timeout time.Duration) ([]byte, error) {
	var data []byte
	lastData := pyb.clock.Now()
	for len(data) < n {
		b, ok, err := pyb.readByte()
		if err != nil {
			return data, err
		}
		if ok {
			data = append(data, b)
			lastData = pyb.clock.Now()
			continue
		}

		if pyb.clock.Now().Sub(lastData) >= timeout {
			return data, errors.NewProtocolError("timeout reading %d bytes", n)
		}
		pyb.clock.Sleep(pollInterval)
	}
	return data, nil
}

// drain discards any input that's already waiting.
func (pyb *Pyboard) drain() error {
	for {
		_, ok, err := pyb.readByte()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}
