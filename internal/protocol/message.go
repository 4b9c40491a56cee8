// Package protocol defines everything exchanged between the runner and a
// browser driver: the launch configuration file, the capability descriptor and
// the messages sent over the private channel.
package protocol

import (
	"errors"
)

// Command is the discriminator carried by every message on the wire.
type Command string

const (
	CommandStop       Command = "stop"
	CommandScreenshot Command = "screenshot"
	CommandAck        Command = "ack"
	CommandBegin      Command = "begin"
	CommandLog        Command = "log"
	CommandDone       Command = "done"
	CommandTestPages  Command = "testPages"
)

var (
	// ErrUnknownCommand is returned when a message carries a command that the
	// receiving side does not accept.
	ErrUnknownCommand = errors.New("protocol: unknown command")
	// ErrInvalidMessage is returned when a message is not well formed.
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

// Message is a closed set: only the types of this package implement it.
type Message interface {
	Command() Command
	isMessage()
}

// Stop asks the driver to terminate.
type Stop struct{}

// Screenshot asks the driver to capture the page into Filename.
type Screenshot struct {
	Filename string `json:"filename"`
}

// Ack acknowledges a command previously sent to the driver.
type Ack struct {
	Tag      Command `json:"tag"`
	Filename string  `json:"filename,omitempty"`
}

// TestRef identifies a QUnit test.
type TestRef struct {
	TestID string `json:"testId"`
}

// Module is a QUnit module with its tests.
type Module struct {
	Name  string    `json:"name"`
	Tests []TestRef `json:"tests"`
}

// Begin is forwarded from QUnit.begin.
type Begin struct {
	IsOpa      bool     `json:"isOpa"`
	TotalTests int      `json:"totalTests"`
	Modules    []Module `json:"modules"`
}

// Log is forwarded from QUnit.log.
type Log struct {
	TestID  string `json:"testId"`
	Runtime int64  `json:"runtime"`
	Result  bool   `json:"result"`
	Message string `json:"message,omitempty"`
}

// Done is forwarded from QUnit.done.
type Done struct {
	Failed  int   `json:"failed"`
	Passed  int   `json:"passed"`
	Total   int   `json:"total"`
	Runtime int64 `json:"runtime"`
}

// TestPages lists the pages declared by a testsuite page.
type TestPages struct {
	Pages []string `json:"pages"`
}

func (Stop) Command() Command       { return CommandStop }
func (Screenshot) Command() Command { return CommandScreenshot }
func (Ack) Command() Command        { return CommandAck }
func (Begin) Command() Command      { return CommandBegin }
func (Log) Command() Command        { return CommandLog }
func (Done) Command() Command       { return CommandDone }
func (TestPages) Command() Command  { return CommandTestPages }

func (Stop) isMessage()       {}
func (Screenshot) isMessage() {}
func (Ack) isMessage()        {}
func (Begin) isMessage()      {}
func (Log) isMessage()        {}
func (Done) isMessage()       {}
func (TestPages) isMessage()  {}

// Role tells a decoder which side of the channel it sits on, and therefore
// which commands it may receive.
type Role int

const (
	// Runner receives messages emitted by a driver.
	Runner Role = iota
	// Driver receives messages emitted by the runner.
	Driver
)

func (r Role) String() string {
	if r == Driver {
		return "driver"
	}
	return "runner"
}
