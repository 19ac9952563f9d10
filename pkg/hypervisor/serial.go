package hypervisor

import (
	"errors"
	"fmt"
	"os"
)

// Port identifies a virtual serial port.
type Port int

const (
	// PortConsole is the interactive console (ttyS0/hvc0).
	PortConsole Port = iota
	// PortComms carries the build protocol (ttyS1/hvc1).
	PortComms

	numPorts
)

func (p Port) String() string {
	switch p {
	case PortConsole:
		return "console"
	case PortComms:
		return "comms"
	default:
		return fmt.Sprintf("port%d", int(p))
	}
}

func (p Port) valid() bool {
	return p >= 0 && p < numPorts
}

// serialPipe is the pair of pipes backing one serial port.
// guestIn is read by the VM (we write to hostIn);
// guestOut is written by the VM (we read from hostOut).
type serialPipe struct {
	guestIn  *os.File
	hostIn   *os.File
	hostOut  *os.File
	guestOut *os.File
}

func newSerialPipe() (*serialPipe, error) {
	guestIn, hostIn, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create input pipe: %w", err)
	}
	hostOut, guestOut, err := os.Pipe()
	if err != nil {
		guestIn.Close()
		hostIn.Close()
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	return &serialPipe{
		guestIn:  guestIn,
		hostIn:   hostIn,
		hostOut:  hostOut,
		guestOut: guestOut,
	}, nil
}

// closeHost closes the host ends so readers and writers unblock.
func (p *serialPipe) closeHost() error {
	var errs []error
	if p.hostIn != nil {
		if err := p.hostIn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input pipe: %w", err))
		}
		p.hostIn = nil
	}
	if p.hostOut != nil {
		if err := p.hostOut.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output pipe: %w", err))
		}
		p.hostOut = nil
	}
	return errors.Join(errs...)
}

// serialPipes creates one pipe pair per port.
func serialPipes() ([numPorts]*serialPipe, error) {
	var pipes [numPorts]*serialPipe
	for i := range pipes {
		p, err := newSerialPipe()
		if err != nil {
			for _, prev := range pipes[:i] {
				prev.closeHost()
				prev.guestIn.Close()
				prev.guestOut.Close()
			}
			return pipes, fmt.Errorf("%s: %w", Port(i), err)
		}
		pipes[i] = p
	}
	return pipes, nil
}
