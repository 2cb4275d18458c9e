package console

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogOutput(t *testing.T) {
	var out, errOut bytes.Buffer
	SetOutput(&out, &errOut)
	defer SetOutput(os.Stdout, os.Stderr)

	Infof("frame %d", 1)
	Warnf("could not release bus: %s", "nack")
	Errorf("virtual module stopped")

	assert.Contains(t, out.String(), "frame 1")
	assert.NotContains(t, out.String(), "nack")
	assert.Contains(t, errOut.String(), "WARN")
	assert.Contains(t, errOut.String(), "could not release bus: nack")
	assert.Contains(t, errOut.String(), "ERROR")
	assert.Contains(t, errOut.String(), "virtual module stopped\n")
}
