// Package deploy runs commands against the target device, locally or
// over SSH, for the dashd installer tooling.
package deploy

import (
	"bytes"
	"os/exec"
	"strings"
)

// CommandExecutor runs one prepared command.
type CommandExecutor interface {
	// Run executes the command and returns combined stdout and stderr.
	Run() ([]byte, error)

	// SetStdin sets the command's stdin.
	SetStdin(stdin []byte)
}

// CommandBuilder constructs executors. The mock implementation lets
// tests assert on the exact ssh/scp invocations without a network.
type CommandBuilder interface {
	BuildCommand(name string, args ...string) CommandExecutor
	BuildShellCommand(command string) CommandExecutor
}

type realExecutor struct {
	cmd *exec.Cmd
}

func (r *realExecutor) Run() ([]byte, error) { return r.cmd.CombinedOutput() }

func (r *realExecutor) SetStdin(stdin []byte) { r.cmd.Stdin = bytes.NewReader(stdin) }

// RealCommandBuilder builds commands with os/exec.
type RealCommandBuilder struct{}

func (RealCommandBuilder) BuildCommand(name string, args ...string) CommandExecutor {
	return &realExecutor{cmd: exec.Command(name, args...)}
}

func (RealCommandBuilder) BuildShellCommand(command string) CommandExecutor {
	return &realExecutor{cmd: exec.Command("sh", "-c", command)}
}

// BuiltCommand records one command a MockCommandBuilder constructed.
type BuiltCommand struct {
	Name  string
	Args  []string
	Stdin []byte
}

// MockCommandBuilder records built commands and returns canned output.
type MockCommandBuilder struct {
	Commands []*BuiltCommand

	// Respond maps a command-line substring to its canned result. The
	// first matching entry wins; unmatched commands succeed silently.
	Respond []MockResponse
}

// MockResponse is one canned command result.
type MockResponse struct {
	Contains string
	Output   string
	Err      error
}

type mockExecutor struct {
	built  *BuiltCommand
	output []byte
	err    error
}

func (m *mockExecutor) Run() ([]byte, error) { return m.output, m.err }

func (m *mockExecutor) SetStdin(stdin []byte) { m.built.Stdin = stdin }

func (b *MockCommandBuilder) BuildCommand(name string, args ...string) CommandExecutor {
	built := &BuiltCommand{Name: name, Args: args}
	b.Commands = append(b.Commands, built)

	line := name + " " + strings.Join(args, " ")
	for _, r := range b.Respond {
		if r.Contains != "" && strings.Contains(line, r.Contains) {
			return &mockExecutor{built: built, output: []byte(r.Output), err: r.Err}
		}
	}
	return &mockExecutor{built: built}
}

func (b *MockCommandBuilder) BuildShellCommand(command string) CommandExecutor {
	return b.BuildCommand("sh", "-c", command)
}

// Last returns the most recently built command, or nil.
func (b *MockCommandBuilder) Last() *BuiltCommand {
	if len(b.Commands) == 0 {
		return nil
	}
	return b.Commands[len(b.Commands)-1]
}
