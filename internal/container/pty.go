package container

import "io"

// PTYSession is an attached interactive shell inside a container. Reads
// deliver terminal output; writes deliver keystrokes.
type PTYSession struct {
	execID string
	stream io.ReadWriteCloser
}

// NewPTYSession wraps an attached exec stream.
func NewPTYSession(execID string, stream io.ReadWriteCloser) *PTYSession {
	return &PTYSession{execID: execID, stream: stream}
}

// ExecID returns the engine exec id backing this shell.
func (p *PTYSession) ExecID() string { return p.execID }

func (p *PTYSession) Read(b []byte) (int, error)  { return p.stream.Read(b) }
func (p *PTYSession) Write(b []byte) (int, error) { return p.stream.Write(b) }
func (p *PTYSession) Close() error                { return p.stream.Close() }
