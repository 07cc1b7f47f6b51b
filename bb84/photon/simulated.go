package photon

import (
	"fmt"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/qkdlab/bb84/bb84/bitarray"
)

// SimOpts packages together the tuning knobs of a simulated quantum channel.
type SimOpts struct {
	// EveProbability is the per-qubit probability that an eavesdropper
	// performs an intercept-resend attack: she measures the qubit in a random
	// basis of her own and retransmits a fresh qubit encoding her result.
	EveProbability float64

	// NoiseProbability is the per-qubit probability that the receiver's
	// measured bit is flipped by channel or detector noise, independent of
	// basis agreement.
	NoiseProbability float64

	// Rand drives every stochastic choice the channel makes: Eve's
	// interception and basis choices, wrong-basis measurement collapse, and
	// noise. Identical sources yield identical transcripts. Must be non-nil.
	Rand *exprand.Rand

	// BufSize bounds how many batches may be in flight between Send and
	// Receive calls.
	BufSize int
}

// NewSimulatedChannel creates a pair of (Sender, Receiver) structs simulating
// a quantum channel. It is expected that each call to Send() will be mirrored
// by a call to Receive(). Expect errors if that is not the case, and for calls
// to Send() to hang if more than BufSize of them are made before Receive().
func NewSimulatedChannel(opts SimOpts) (*SimulatedSender, *SimulatedReceiver, error) {
	if opts.EveProbability < 0 || opts.EveProbability > 1 {
		return nil, nil, fmt.Errorf("EveProbability must lie in [0, 1], got %f", opts.EveProbability)
	}
	if opts.NoiseProbability < 0 || opts.NoiseProbability > 1 {
		return nil, nil, fmt.Errorf("NoiseProbability must lie in [0, 1], got %f", opts.NoiseProbability)
	}
	if opts.Rand == nil {
		return nil, nil, fmt.Errorf("must provide Rand")
	}
	bits := make(chan bitarray.Dense, opts.BufSize)
	bases := make(chan bitarray.Dense, opts.BufSize)
	ss := &SimulatedSender{bits: bits, bases: bases}
	sr := &SimulatedReceiver{
		bits:  bits,
		bases: bases,
		rand:  opts.Rand,
		eve:   distuv.Bernoulli{P: opts.EveProbability, Src: opts.Rand},
		noise: distuv.Bernoulli{P: opts.NoiseProbability, Src: opts.Rand},
	}
	return ss, sr, nil
}

// A SimulatedSender is the Alice-side terminal of a simulated quantum channel.
type SimulatedSender struct {
	bits  chan<- bitarray.Dense
	bases chan<- bitarray.Dense
}

// A SimulatedReceiver is the Bob-side terminal of a simulated quantum channel.
// It applies eavesdropping, measurement collapse, and noise to each batch it
// measures.
type SimulatedReceiver struct {
	// DropMask marks pulses the detector misses entirely. Zero-valued means
	// no drops.
	DropMask []byte

	// Errors marks positions whose measured bit is forced to read flipped,
	// for tests needing a deterministic error pattern.
	Errors []byte

	// Intercepted records which positions of the most recent batch Eve
	// intercepted. It is a diagnostic oracle only: the legitimate parties
	// have no way to observe it in-protocol.
	Intercepted bitarray.Dense

	bits  <-chan bitarray.Dense
	bases <-chan bitarray.Dense
	rand  *exprand.Rand
	eve   distuv.Bernoulli
	noise distuv.Bernoulli
}

// Send implements the Sender interface.
func (ss *SimulatedSender) Send(bits, bases []byte) error {
	if len(bits) != len(bases) {
		return fmt.Errorf("bit and basis length must agree: %d != %d", len(bits), len(bases))
	}
	ss.bits <- bitarray.NewDense(bits, -1)
	ss.bases <- bitarray.NewDense(bases, -1)
	return nil
}

// Receive implements the Receiver interface.
func (sr *SimulatedReceiver) Receive(bases []byte) (bits, dropped []byte, err error) {
	sendBits := <-sr.bits
	sendBases := <-sr.bases
	if len(bases) != sendBits.ByteSize() {
		return nil, nil, fmt.Errorf("send byte length must match receive basis length: %d != %d", sendBits.ByteSize(), len(bases))
	}
	n := sendBits.Size()

	// Intercept-resend: where Eve listens, the qubit arriving at Bob carries
	// her measured bit in her basis. Measuring in the wrong basis yields a
	// uniformly random outcome.
	intercept := sr.bernoulli(n, sr.eve)
	eveBases := sr.uniform(n)
	eveFlips := sr.uniform(n).And(sendBases.XOr(eveBases)).And(intercept)
	arrivedBits := sendBits.XOr(eveFlips)
	arrivedBases := intercept.And(eveBases).Or(intercept.Not().And(sendBases))

	recBases := bitarray.NewDense(bases, n)
	measureFlips := sr.uniform(n).And(arrivedBases.XOr(recBases))
	measureFlips = measureFlips.Or(bitarray.NewDense(sr.Errors, -1))
	measured := arrivedBits.XOr(measureFlips)
	measured = measured.XOr(sr.bernoulli(n, sr.noise))

	sr.Intercepted = intercept
	return measured.Data(), sr.DropMask, nil
}

// uniform returns n independent fair coin flips.
func (sr *SimulatedReceiver) uniform(n int) bitarray.Dense {
	buf := make([]byte, bitarray.BytesFor(n))
	sr.rand.Read(buf)
	return bitarray.NewDense(buf, n)
}

// bernoulli returns n independent draws from b.
func (sr *SimulatedReceiver) bernoulli(n int, b distuv.Bernoulli) bitarray.Dense {
	r := bitarray.Empty()
	if b.P == 0 {
		return bitarray.NewDense(nil, n)
	}
	for i := 0; i < n; i++ {
		r.AppendBit(b.Rand() == 1)
	}
	return r
}
