// Package vm manages the build VM's lifecycle: the readiness handshake
// with the guest build server, suspending the VM while no build is in
// flight, and persistent boot and build history.
package vm
