package info

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mpysync/pkg/explorer"
	"github.com/sidkik/mpysync/pkg/explorer/memdevice"
)

func TestPrintInfo(t *testing.T) {
	dev := memdevice.New()
	dev.Platform = "rp2"
	dev.Release = "1.20.0"
	client := explorer.New(dev)
	require.NoError(t, client.Init())

	// The in-memory device doesn't implement gc, so the free memory line is
	// omitted.
	var out bytes.Buffer
	printInfo(&out, "/dev/ttyACM0", client)
	assert.Equal(t, "Port:     /dev/ttyACM0\n"+
		"Platform: rp2\n"+
		"Release:  1.20.0\n"+
		"Cwd:      /\n", out.String())
}
