// Package photon provides utilities for handling photon-encoded qubits.
package photon

// A Sender sends qubits encoded as linearly-polarized photons to a Receiver.
type Sender interface {
	// Send transmits one batch of qubits, encoded position-wise as a
	// (bit, basis) pair. A 0 basis bit denotes the rectilinear basis and a 1
	// the diagonal basis.
	Send(bits, bases []byte) error
}

// A Receiver receives linearly-polarized photons and decodes them in a given
// measurement basis.
type Receiver interface {
	// Receive measures the next batch of qubits in the given bases:
	//  - bits contains the logical bit values measured
	//  - dropped provides a bitmask indicating which pulses we failed to
	//    detect at all.
	Receive(bases []byte) (bits, dropped []byte, err error)
}
