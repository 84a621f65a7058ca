package pyboard

import (
	"bytes"
	goErrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mpysync/pkg/errors"
)

// mockPort simulates the raw REPL of a MicroPython board.
type mockPort struct {
	sync.Mutex

	out     bytes.Buffer
	written bytes.Buffer
	raw     bool
	command bytes.Buffer

	bootOutput string
	ignoreRaw  bool
	badAck     bool
	silentExec bool
	closed     bool

	// exec returns the stdout and stderr of a command.
	exec func(cmd string) (string, string)
}

func (p *mockPort) Read(buf []byte) (int, error) {
	p.Lock()
	defer p.Unlock()
	if p.out.Len() == 0 {
		return 0, nil
	}
	return p.out.Read(buf)
}

func (p *mockPort) Write(data []byte) (int, error) {
	p.Lock()
	defer p.Unlock()
	p.written.Write(data)

	for _, b := range data {
		p.handle(b)
	}
	return len(data), nil
}

func (p *mockPort) handle(b byte) {
	switch {
	case b == 0x03:
		p.raw = false
		p.command.Reset()
		p.out.WriteString("\r\nKeyboardInterrupt\r\n>>> ")
	case b == 0x01:
		if p.ignoreRaw {
			return
		}
		p.raw = true
		p.command.Reset()
		p.out.WriteString("raw REPL; CTRL-B to exit\r\n>")
	case b == 0x02:
		p.raw = false
		p.out.WriteString("\r\n>>> ")
	case b == 0x04 && p.raw && p.command.Len() == 0:
		p.out.WriteString("OK\r\nMPY: soft reboot\r\n")
		p.out.WriteString(p.bootOutput)
		p.out.WriteString("raw REPL; CTRL-B to exit\r\n>")
	case b == 0x04 && p.raw:
		cmd := p.command.String()
		p.command.Reset()
		if p.badAck {
			p.out.WriteString("??")
			return
		}
		p.out.WriteString("OK")
		if p.silentExec {
			return
		}
		stdout, stderr := "", ""
		if p.exec != nil {
			stdout, stderr = p.exec(cmd)
		}
		p.out.WriteString(stdout + "\x04" + stderr + "\x04>")
	case p.raw && b != '\r':
		p.command.WriteByte(b)
	}
}

func (p *mockPort) SetReadTimeout(time.Duration) error {
	return nil
}

func (p *mockPort) Close() error {
	p.Lock()
	defer p.Unlock()
	p.closed = true
	return nil
}

func newTestPyboard(t *testing.T, port *mockPort, opts ...Option) *Pyboard {
	openPort = func(string, int) (Port, error) {
		return port, nil
	}
	pyb := New("/dev/ttyTEST", 0, opts...)
	require.NoError(t, pyb.Open())
	return pyb
}

func TestOpen(t *testing.T) {
	port := &mockPort{}
	pyb := newTestPyboard(t, port)
	assert.Equal(t, Active, pyb.State())

	assert.NoError(t, pyb.Close())
	assert.Equal(t, Closed, pyb.State())
	assert.True(t, port.closed)
}

func TestOpenFails(t *testing.T) {
	openPort = func(string, int) (Port, error) {
		return nil, goErrors.New("no such device")
	}
	pyb := New("/dev/ttyMISSING", 0)
	err := pyb.Open()

	var connErr errors.ConnectionError
	require.True(t, goErrors.As(err, &connErr))
	assert.Equal(t, "/dev/ttyMISSING", connErr.Device)
	assert.Equal(t, Closed, pyb.State())
}

func TestOpenWaitsForDevice(t *testing.T) {
	attempts := 0
	port := &mockPort{}
	openPort = func(string, int) (Port, error) {
		attempts++
		if attempts < 3 {
			return nil, goErrors.New("busy")
		}
		return port, nil
	}

	clock := clockwork.NewFakeClock()
	pyb := New("/dev/ttyTEST", 0, WithClock(clock), WithWait(5))

	done := make(chan error)
	go func() { done <- pyb.Open() }()
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}
	assert.NoError(t, <-done)
	assert.Equal(t, 3, attempts)
}

func TestEnterRawREPL(t *testing.T) {
	port := &mockPort{bootOutput: "hello from boot.py\r\n"}
	pyb := newTestPyboard(t, port)

	require.NoError(t, pyb.EnterRawREPL())
	written := port.written.String()
	assert.True(t, strings.HasPrefix(written, "\r\x03\x03\r\x01\x04"), "%q", written)
	assert.True(t, port.raw)
}

func TestEnterRawREPLTimeout(t *testing.T) {
	port := &mockPort{ignoreRaw: true}
	clock := clockwork.NewFakeClock()
	pyb := newTestPyboard(t, port, WithClock(clock))

	done := make(chan error)
	go func() { done <- pyb.EnterRawREPL() }()

	// The banner timeout is ten poll intervals.
	for i := 0; i < int(bannerTimeout/pollInterval); i++ {
		clock.BlockUntil(1)
		clock.Advance(pollInterval)
	}

	err := <-done
	var protoErr errors.ProtocolError
	require.True(t, goErrors.As(err, &protoErr))
	assert.Equal(t, "could not enter raw repl", protoErr.Msg)
}

func TestExec(t *testing.T) {
	port := &mockPort{exec: func(cmd string) (string, string) {
		return "ran " + cmd, ""
	}}
	pyb := newTestPyboard(t, port)
	require.NoError(t, pyb.EnterRawREPL())

	out, err := pyb.Exec("import uos")
	assert.NoError(t, err)
	assert.Equal(t, "ran import uos", string(out))

	out, err = pyb.Exec("x = 1")
	assert.NoError(t, err)
	assert.Equal(t, "ran x = 1", string(out))
}

func TestExecLongCommandIsSentInBursts(t *testing.T) {
	var received string
	port := &mockPort{exec: func(cmd string) (string, string) {
		received = cmd
		return "", ""
	}}
	pyb := newTestPyboard(t, port)
	require.NoError(t, pyb.EnterRawREPL())

	long := strings.Repeat("a", 3*burstSize+7)
	_, err := pyb.Exec(long)
	assert.NoError(t, err)
	assert.Equal(t, long, received)
}

func TestExecRemoteException(t *testing.T) {
	port := &mockPort{exec: func(cmd string) (string, string) {
		return "partial", "Traceback (most recent call last):\r\nOSError: [Errno 2] ENOENT\r\n"
	}}
	pyb := newTestPyboard(t, port)
	require.NoError(t, pyb.EnterRawREPL())

	_, err := pyb.Exec("uos.stat('/missing')")
	var remoteErr errors.RemoteExecutionError
	require.True(t, goErrors.As(err, &remoteErr))
	assert.Equal(t, "partial", string(remoteErr.Stdout))
	assert.Contains(t, string(remoteErr.Stderr), "ENOENT")
}

func TestExecBadAck(t *testing.T) {
	port := &mockPort{}
	pyb := newTestPyboard(t, port)
	require.NoError(t, pyb.EnterRawREPL())
	port.badAck = true

	_, err := pyb.Exec("x = 1")
	var protoErr errors.ProtocolError
	require.True(t, goErrors.As(err, &protoErr))
	assert.Contains(t, protoErr.Msg, "could not exec command")
}

func TestExecTimeout(t *testing.T) {
	port := &mockPort{silentExec: true}
	clock := clockwork.NewFakeClock()
	timeout := 50 * time.Millisecond
	pyb := newTestPyboard(t, port, WithClock(clock), WithTimeout(timeout))

	// Enter raw mode out of band so that only the exec needs the fake clock.
	port.Lock()
	port.raw = true
	port.out.WriteString(">")
	port.Unlock()

	done := make(chan error)
	go func() {
		_, err := pyb.Exec("x = 1")
		done <- err
	}()

	// One sleep after writing the command, then the polls before timing out.
	clock.BlockUntil(1)
	clock.Advance(burstDelay)
	for i := 0; i < int(timeout/pollInterval); i++ {
		clock.BlockUntil(1)
		clock.Advance(pollInterval)
	}

	err := <-done
	var protoErr errors.ProtocolError
	require.True(t, goErrors.As(err, &protoErr))
	assert.Equal(t, "timeout waiting for first EOF reception", protoErr.Msg)
}

func TestEval(t *testing.T) {
	port := &mockPort{exec: func(cmd string) (string, string) {
		if cmd == "print(uos.getcwd())" {
			return "/flash\r\n", ""
		}
		return "", "NameError\r\n"
	}}
	pyb := newTestPyboard(t, port)
	require.NoError(t, pyb.EnterRawREPL())

	out, err := pyb.Eval("uos.getcwd()")
	assert.NoError(t, err)
	assert.Equal(t, "/flash", string(out))
}

func TestExit(t *testing.T) {
	port := &mockPort{}
	pyb := newTestPyboard(t, port)
	require.NoError(t, pyb.EnterRawREPL())

	pyb.Exit()
	assert.False(t, port.raw)
	assert.True(t, port.closed)
	assert.Equal(t, Closed, pyb.State())

	// Exiting twice is harmless.
	pyb.Exit()
}
