package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestLogDir_JoinsProjectDirWithFixedSubdir verifies the log directory is
// always a fixed subdirectory of whatever project dir was resolved.
func TestLogDir_JoinsProjectDirWithFixedSubdir(t *testing.T) {
	assert.Equal(t, "myproject/autopilot-log", logDir("myproject"))
	assert.Equal(t, "autopilot-log", logDir("."))
}
