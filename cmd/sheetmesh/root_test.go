package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func execute(args ...string) error {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	return root.Execute()
}

func TestServeRejectsBadConfig(t *testing.T) {
	assert.ErrorContains(t, execute("serve", "--domain=d1", "--service=files"), "invalid config")
	assert.ErrorContains(t, execute("serve", "--domain=d1", "--log-level=loud"), "invalid config")
	assert.ErrorContains(t, execute("serve", "--domain=d1", "--log=memory"), "memory log")
	t.Setenv("SHEETMESH_DISCOVERY", "dns")
	assert.ErrorContains(t, execute("serve", "--domain=d1"), "invalid config")
}

func TestPeersNeedsDomain(t *testing.T) {
	assert.ErrorContains(t, execute("peers"), "domain")
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug")
	assert.NoError(t, err)
	_, err = newLogger("chatty")
	assert.Error(t, err)
}
