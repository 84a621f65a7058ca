package pyboard

import (
	"time"

	"go.bug.st/serial"
)

// Port is the serial connection to the device.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// SetReadTimeout sets how long Read waits for data. A zero timeout
	// makes Read return immediately with whatever bytes are available.
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Mocked out for unit testing.
var openPort = openSerialPort

func openSerialPort(device string, baud int) (Port, error) {
	return serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}
