package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func execute(args ...string) error {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func TestCommands_invalidInvocations(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	testCases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"buy without terms", []string{"buy"}, "accepts 1 arg(s), received 0"},
		{"sell missing terms", []string{"sell", missing}, "reading terms"},
		{"unknown network flag", []string{"buy", "--network", "liquid", missing}, `unknown network "liquid"`},
		{"seller has no processor", []string{"sell", "--processor-url", "http://p", missing}, "unknown flag: --processor-url"},
		{"broker url scheme", []string{"buy", "--broker-url", "http://localhost", missing}, "BROKER_URL must be a ws or wss url"},
		{"missing config file", []string{"broker", "-c", missing}, "failed to load config file"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorContains(t, execute(tc.args...), tc.wantErr)
		})
	}
}
