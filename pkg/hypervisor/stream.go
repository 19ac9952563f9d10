package hypervisor

import (
	"io"
	"sync"
)

// PortStream exposes one serial port of an Engine as an io.ReadWriteCloser
// for consumers that want a byte stream, such as a terminal.
//
// Reads block until the guest emits output. Delivery on the port stalls
// while nobody reads.
type PortStream struct {
	engine Engine
	port   Port
	pr     *io.PipeReader
	pw     *io.PipeWriter

	once   sync.Once
	cancel func()
}

// OpenPort attaches a listener to port and returns it as a stream.
func OpenPort(e Engine, port Port) *PortStream {
	pr, pw := io.Pipe()
	s := &PortStream{engine: e, port: port, pr: pr, pw: pw}
	s.cancel = e.Listen(port, func(b byte) {
		// Fails only once the stream is closed.
		_, _ = pw.Write([]byte{b})
	})
	return s
}

// Read returns guest output.
func (s *PortStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Write sends p to the guest one byte at a time.
func (s *PortStream) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := s.engine.SendByte(s.port, b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Close detaches the listener and unblocks pending reads with io.EOF.
func (s *PortStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.pw.Close()
	})
	return nil
}
