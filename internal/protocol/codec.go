package protocol

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxLineSize bounds a single message on the wire.
const maxLineSize = 4 * 1024 * 1024

// Marshal encodes msg as a single JSON object with its command inlined.
func Marshal(msg Message) ([]byte, error) {
	var v interface{}
	switch m := msg.(type) {
	case Stop:
		v = struct {
			Command Command `json:"command"`
		}{CommandStop}
	case Screenshot:
		v = struct {
			Command Command `json:"command"`
			Screenshot
		}{CommandScreenshot, m}
	case Ack:
		v = struct {
			Command Command `json:"command"`
			Ack
		}{CommandAck, m}
	case Begin:
		v = struct {
			Command Command `json:"command"`
			Begin
		}{CommandBegin, m}
	case Log:
		v = struct {
			Command Command `json:"command"`
			Log
		}{CommandLog, m}
	case Done:
		v = struct {
			Command Command `json:"command"`
			Done
		}{CommandDone, m}
	case TestPages:
		v = struct {
			Command Command `json:"command"`
			TestPages
		}{CommandTestPages, m}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, msg)
	}
	return json.Marshal(v)
}

// Unmarshal decodes one message received by role. Commands the role is not
// supposed to receive are rejected with ErrUnknownCommand.
//
// A driver may acknowledge a screenshot by echoing the screenshot command
// back; on the runner side that echo is decoded as an Ack.
func Unmarshal(data []byte, role Role) (Message, error) {
	var head struct {
		Command Command `json:"command"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if head.Command == "" {
		return nil, fmt.Errorf("%w: missing command", ErrInvalidMessage)
	}

	if role == Driver {
		switch head.Command {
		case CommandStop:
			return Stop{}, nil
		case CommandScreenshot:
			var m Screenshot
			if err := decodeBody(data, &m); err != nil {
				return nil, err
			}
			if m.Filename == "" {
				return nil, fmt.Errorf("%w: screenshot without filename", ErrInvalidMessage)
			}
			return m, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, head.Command)
	}

	switch head.Command {
	case CommandAck:
		var m Ack
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.Tag == "" {
			return nil, fmt.Errorf("%w: ack without tag", ErrInvalidMessage)
		}
		return m, nil
	case CommandScreenshot:
		var m Screenshot
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return Ack{Tag: CommandScreenshot, Filename: m.Filename}, nil
	case CommandBegin:
		var m Begin
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case CommandLog:
		var m Log
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case CommandDone:
		var m Done
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case CommandTestPages:
		var m TestPages
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, head.Command)
}

func decodeBody(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Conn is one end of a driver channel: newline-delimited JSON messages read
// from r and written to w.
type Conn struct {
	role    Role
	scanner *bufio.Scanner
	closers []io.Closer

	writeMu sync.Mutex
	w       io.Writer
}

// NewConn wraps r and w. role is the side this Conn lives on. Any of r and w
// implementing io.Closer is closed by Close.
func NewConn(r io.Reader, w io.Writer, role Role) *Conn {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	c := &Conn{role: role, scanner: scanner, w: w}
	if rc, ok := r.(io.Closer); ok {
		c.closers = append(c.closers, rc)
	}
	if wc, ok := w.(io.Closer); ok {
		c.closers = append(c.closers, wc)
	}
	return c
}

// Send writes one message. Safe for concurrent use.
func (c *Conn) Send(msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("protocol: write %s: %w", msg.Command(), err)
	}
	return nil
}

// Receive blocks until the next message. It returns io.EOF once the peer has
// closed its end. Malformed lines are reported as errors wrapping
// ErrInvalidMessage or ErrUnknownCommand; the Conn stays usable afterwards.
// Receive must not be called concurrently.
func (c *Conn) Receive() (Message, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return Unmarshal(line, c.role)
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes the underlying reader and writer when they can be closed.
func (c *Conn) Close() error {
	var firstErr error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
