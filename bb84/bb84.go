// Package bb84 provides utilities for negotiating a shared secret using the
// BB84 protocol.
package bb84

import (
	"errors"
	"io"
	"math"
	"math/rand"

	"github.com/qkdlab/bb84/bb84/bitarray"
	"github.com/qkdlab/bb84/bb84/photon"
)

// Defaults applied by NewPeer for options left zero-valued.
var (
	DefaultQubitCount       = 16 << 10
	DefaultEpsilon          = 1e-12
	DefaultSampleProportion = 0.5
	DefaultQBERThreshold    = 0.11
	DefaultMinSampleBits    = 16
	DefaultMinKeyBits       = 64
	DefaultCascadePasses    = 4
	DefaultVerifyRounds     = 8
)

// Stats packages together a collection of potentially interesting metrics
// pertaining to a BB84 key negotiation.
type Stats struct {
	QBER             float64
	MessagesSent     int
	MessagesReceived int
	BytesRead        int
	BytesSent        int

	// Key lengths at each stage of the pipeline, in bits.
	SiftedBits    int
	SampledBits   int
	RemainingBits int
	KeyBits       int

	// LeakedBits counts the information published over the classical channel
	// during reconciliation, plus the bound on what Eve may have gleaned from
	// the quantum exchange itself.
	LeakedBits float64
}

// A Peer represents one of the two legitimate participants in a BB84 key
// exchange.
type Peer interface {
	// NegotiateKey performs one round of BB84 key exchange, including
	// "post-processing" steps, e.g. error correction and privacy
	// amplification. On a terminal protocol outcome the returned error wraps
	// one of the Err* sentinels and no key material is returned.
	NegotiateKey() (bitarray.Dense, Stats, error)
}

// A PeerOpts packages together the arguments necessary to construct a new
// Peer. Many of the fields of a PeerOpts do *not* have reasonable defaults,
// and leaving those fields to zero-initialize will result in NewPeer
// returning an error.
type PeerOpts struct {
	// Sender/Receiver is responsible for sending/receiving photons. Exactly
	// one must be non-nil.
	Sender   photon.Sender
	Receiver photon.Receiver

	// ClassicalChannel provides a channel for classical communications. Must
	// be non-nil. Everything crossing it is public by assumption.
	ClassicalChannel io.ReadWriter

	// Rand provides a source of randomness. This may use pRNG for
	// experimental and/or testing purposes, but for unconditional security
	// this must be truly random. Must be non-nil.
	Rand *rand.Rand

	// Secret provides a bootstrap secret shared between Alice and Bob for
	// authentication. Must be non-nil.
	Secret io.Reader

	// QubitCount specifies the number of qubits to exchange per call to
	// NegotiateKey, rounded up to a whole byte. Defaults to
	// DefaultQubitCount.
	QubitCount int

	// EpsilonAuth specifies the probability that we are willing to accept
	// that Eve can forge a message. Each classical message exchanged spends
	// log_2(1/EpsilonAuth) bits of Secret, rounded up to the nearest byte.
	//
	// Defaults to DefaultEpsilon.
	EpsilonAuth float64

	// EpsilonPrivacy specifies the statistical distance from uniform we are
	// willing to tolerate our final extracted key being, conditioned on the
	// information made available during the public phases of the protocol.
	//
	// Defaults to DefaultEpsilon.
	EpsilonPrivacy float64

	// SampleProportion specifies the proportion of sifted bits to sacrifice
	// for eavesdropping detection. Sampled bits are published and never
	// reappear in the final key. Defaults to half.
	SampleProportion float64

	// QBERThreshold is the detection-sample error rate above which the run
	// aborts with ErrEavesdroppingDetected. An intercept-resend attack on
	// every qubit induces an expected QBER of 0.25, so useful thresholds sit
	// well below that. Defaults to DefaultQBERThreshold.
	QBERThreshold float64

	// MinSampleBits and MinKeyBits bound how small the detection sample and
	// the post-sample key may be before the run aborts with
	// ErrInsufficientKeyMaterial.
	MinSampleBits int
	MinKeyBits    int

	// Cascade provides options for using Cascade for error correction. Must
	// be non-nil.
	Cascade *CascadeOpts
}

// A CascadeOpts packages together the parameters of the Cascade information
// reconciliation protocol.
type CascadeOpts struct {
	// SyncRand provides a *synchronized* randomness source between Alice and
	// Bob. It stands in for the public per-pass permutation seeds: its output
	// is assumed known to Eve and is only used to de-correlate error
	// positions, so it may operate on pRNG. Must be non-nil.
	SyncRand *rand.Rand

	// Passes is the number of block-parity passes to run before the final
	// whole-key verification. Block sizes double from pass to pass. Defaults
	// to DefaultCascadePasses.
	Passes int

	// InitialBlockSize is the block size of the first pass. If zero it is
	// derived from the observed QBER.
	InitialBlockSize int

	// VerifyRounds bounds how many verification passes may run after the
	// final block-parity pass before the run fails with
	// ErrReconciliationFailed. Defaults to DefaultVerifyRounds.
	VerifyRounds int
}

// NewPeer returns a new Peer, configured in accordance with opts, or an error
// if the options are nonsensical.
func NewPeer(opts PeerOpts) (Peer, error) {
	if (opts.Sender == nil) == (opts.Receiver == nil) {
		return nil, errors.New("exactly one of {Sender, Receiver} must be specified")
	}
	if opts.ClassicalChannel == nil {
		return nil, errors.New("must provide ClassicalChannel")
	}
	if opts.Rand == nil {
		return nil, errors.New("must provide Rand")
	}
	if opts.Secret == nil {
		return nil, errors.New("must provide Secret")
	}
	if opts.Cascade == nil || opts.Cascade.SyncRand == nil {
		return nil, errors.New("must provide Cascade options with a synchronized randomness source")
	}
	if opts.SampleProportion < 0 || opts.SampleProportion >= 1 {
		return nil, errors.New("SampleProportion must lie in [0, 1)")
	}
	if opts.QBERThreshold < 0 || opts.QBERThreshold >= 1 {
		return nil, errors.New("QBERThreshold must lie in [0, 1)")
	}
	if opts.EpsilonAuth < 0 || opts.EpsilonAuth >= 1 || opts.EpsilonPrivacy < 0 || opts.EpsilonPrivacy >= 1 {
		return nil, errors.New("epsilons must lie in [0, 1)")
	}
	qBytes := bitarray.BytesFor(opts.QubitCount)
	if opts.QubitCount == 0 {
		qBytes = bitarray.BytesFor(DefaultQubitCount)
	}
	epsAuth := opts.EpsilonAuth
	if epsAuth == 0 {
		epsAuth = DefaultEpsilon
	}
	epsPriv := opts.EpsilonPrivacy
	if epsPriv == 0 {
		epsPriv = DefaultEpsilon
	}
	sampleProp := opts.SampleProportion
	if sampleProp == 0 {
		sampleProp = DefaultSampleProportion
	}
	qberThreshold := opts.QBERThreshold
	if qberThreshold == 0 {
		qberThreshold = DefaultQBERThreshold
	}
	minSample := opts.MinSampleBits
	if minSample == 0 {
		minSample = DefaultMinSampleBits
	}
	minKey := opts.MinKeyBits
	if minKey == 0 {
		minKey = DefaultMinKeyBits
	}

	// MAC tag width, rounded up to whole bytes. The diagonal count must
	// cover the largest frame we can emit: a basis announcement carrying
	// both a basis string and a drop mask, plus encoding overhead.
	macBits := 8 * bitarray.BytesFor(int(math.Ceil(math.Log2(1/epsAuth))))
	diags := make([]byte, 2*qBytes+64)
	if _, err := io.ReadFull(opts.Secret, diags); err != nil {
		return nil, err
	}
	pf := &framer{
		rw:     opts.ClassicalChannel,
		secret: opts.Secret,
		t: toeplitz{
			diags: bitarray.NewDense(diags, -1),
			m:     macBits,
		},
	}
	passes := opts.Cascade.Passes
	if passes == 0 {
		passes = DefaultCascadePasses
	}
	verifyRounds := opts.Cascade.VerifyRounds
	if verifyRounds == 0 {
		verifyRounds = DefaultVerifyRounds
	}
	rec := cascader{
		channel:          pf,
		rand:             opts.Cascade.SyncRand,
		passes:           passes,
		initialBlockSize: opts.Cascade.InitialBlockSize,
		verifyRounds:     verifyRounds,
		isAlice:          opts.Sender != nil,
	}

	if opts.Sender != nil {
		return &alice{
			sender:        opts.Sender,
			sideChannel:   pf,
			reconciler:    rec,
			rand:          opts.Rand,
			qBytes:        qBytes,
			epsPriv:       epsPriv,
			sampleProp:    sampleProp,
			qberThreshold: qberThreshold,
			minSample:     minSample,
			minKey:        minKey,
		}, nil
	}
	return &bob{
		receiver:      opts.Receiver,
		sideChannel:   pf,
		reconciler:    rec,
		rand:          opts.Rand,
		qBytes:        qBytes,
		epsPriv:       epsPriv,
		sampleProp:    sampleProp,
		qberThreshold: qberThreshold,
		minSample:     minSample,
		minKey:        minKey,
	}, nil
}

type reconcileResult struct {
	xHat       bitarray.Dense
	bitLeakage float64
}

type reconciler interface {
	// Reconcile performs "error correction" on x, so that this reconciler and
	// its sibling compute the same xHat with high probability. Note that the
	// reconciler interface does not guarantee that all modifications to x
	// occur on one side of the channel.
	Reconcile(x bitarray.Dense, s *Stats) (reconcileResult, error)
}
