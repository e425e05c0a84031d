package control_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oetiker/logfetcher/internal/control"
)

func TestBuildArgsAppendsMandatoryOptions(t *testing.T) {
	args := control.BuildArgs([]string{"-i", "/keys/web1", "web1.example.com"})

	assert.Equal(t, []string{
		"-i", "/keys/web1", "web1.example.com",
		"-T", "-x", "-y", "-o", "BatchMode=yes", "-o", "ConnectTimeout=10",
	}, args)
}

func TestBuildArgsWithEmptySSHConnect(t *testing.T) {
	args := control.BuildArgs(nil)

	assert.Equal(t, []string{"-T", "-x", "-y", "-o", "BatchMode=yes", "-o", "ConnectTimeout=10"}, args)
}
