package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"shrinkpi/commands"
)

type stubCommand struct {
	initErr error
	runErr  error
	ran     bool
}

func (s *stubCommand) Name() string { return "stub" }

func (s *stubCommand) Init([]string) error { return s.initErr }

func (s *stubCommand) Run() error {
	s.ran = true
	return s.runErr
}

type diagnosingCommand struct {
	stubCommand
}

func (d *diagnosingCommand) Diagnostic(err error) string { return "!! " + err.Error() }

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *stubCommand
		code    int
		stderr  string
		wantRan bool
	}{
		{"success", &stubCommand{}, 0, "", true},
		{"help", &stubCommand{initErr: commands.ErrHelpShown}, 0, "", false},
		{"init failure", &stubCommand{initErr: errors.New("requires 1 arg")}, 1, "stub: Error: requires 1 arg\n", false},
		{"run failure", &stubCommand{runErr: errors.New("boom")}, 1, "stub: Error: boom\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			assert.Equal(t, tt.code, run(tt.cmd, nil, &stderr))
			assert.Equal(t, tt.stderr, stderr.String())
			assert.Equal(t, tt.wantRan, tt.cmd.ran)
		})
	}
}

func TestRunUsesCommandDiagnostic(t *testing.T) {
	cmd := &diagnosingCommand{stubCommand{runErr: errors.New("boom")}}
	var stderr bytes.Buffer
	assert.Equal(t, 1, run(cmd, nil, &stderr))
	assert.Equal(t, "!! boom\n", stderr.String())
}

func TestShrinkCommandRendersDiagnostic(t *testing.T) {
	var cmd commands.ICommand = commands.NewShrinkCommand()
	_, ok := cmd.(diagnoser)
	assert.True(t, ok)
	assert.Equal(t, "shrinkpi", cmd.Name())
}
