package bb84

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/qkdlab/bb84/bb84/bitarray"
	"github.com/qkdlab/bb84/bb84/photon"
	"github.com/qkdlab/bb84/bb84/wire"
)

// An alice represents the first BB84 participant.
type alice struct {
	sender        photon.Sender
	sideChannel   *framer
	rand          *rand.Rand
	reconciler    reconciler
	qBytes        int
	epsPriv       float64
	sampleProp    float64
	qberThreshold float64
	minSample     int
	minKey        int
}

// A bob represents the second BB84 participant.
type bob struct {
	receiver      photon.Receiver
	sideChannel   *framer
	rand          *rand.Rand
	reconciler    reconciler
	qBytes        int
	epsPriv       float64
	sampleProp    float64
	qberThreshold float64
	minSample     int
	minKey        int
}

// NegotiateKey implements the Peer interface.
func (a *alice) NegotiateKey() (key bitarray.Dense, stats Stats, err error) {
	bits, bases, err := a.sendQBits()
	if err != nil {
		return
	}
	sifted, err := a.sift(bits, bases, &stats)
	if err != nil {
		return
	}
	remaining, err := a.estimateQBER(sifted, &stats)
	if err != nil {
		return
	}
	recRes, err := a.reconciler.Reconcile(remaining, &stats)
	if err != nil {
		return
	}
	stats.LeakedBits = recRes.bitLeakage + calcMaxEveInfo(
		stats.QBER, a.epsPriv, remaining.Size(), sifted.Size()-remaining.Size())
	m := extractedBits(recRes.xHat.Size(), stats.LeakedBits, a.epsPriv)
	if m <= 0 {
		err = abort(ErrKeyExhausted, &stats)
		return
	}
	seed, err := a.sendSeed(recRes.xHat.Size(), m, &stats)
	if err != nil {
		return
	}
	key, err = extractKey(seed, recRes.xHat, m)
	if err != nil {
		return
	}
	stats.KeyBits = key.Size()
	return
}

// NegotiateKey implements the Peer interface.
func (b *bob) NegotiateKey() (key bitarray.Dense, stats Stats, err error) {
	bits, bases, dropped, err := b.receiveQBits()
	if err != nil {
		return
	}
	sifted, err := b.sift(bits, bases, dropped, &stats)
	if err != nil {
		return
	}
	remaining, err := b.estimateQBER(sifted, &stats)
	if err != nil {
		return
	}
	recRes, err := b.reconciler.Reconcile(remaining, &stats)
	if err != nil {
		return
	}
	stats.LeakedBits = recRes.bitLeakage + calcMaxEveInfo(
		stats.QBER, b.epsPriv, remaining.Size(), sifted.Size()-remaining.Size())
	m := extractedBits(recRes.xHat.Size(), stats.LeakedBits, b.epsPriv)
	if m <= 0 {
		err = abort(ErrKeyExhausted, &stats)
		return
	}
	seed, err := b.receiveSeed(&stats)
	if err != nil {
		return
	}
	key, err = extractKey(seed, recRes.xHat, m)
	if err != nil {
		return
	}
	stats.KeyBits = key.Size()
	return
}

func (a *alice) sendQBits() (bits, bases bitarray.Dense, err error) {
	bitArr := make([]byte, a.qBytes)
	a.rand.Read(bitArr)
	basisArr := make([]byte, a.qBytes)
	a.rand.Read(basisArr)
	bits = bitarray.NewDense(bitArr, -1)
	bases = bitarray.NewDense(basisArr, -1)
	if err := a.sender.Send(bits.Data(), bases.Data()); err != nil {
		return bitarray.Empty(), bitarray.Empty(), fmt.Errorf("sending qubits: %w", err)
	}
	return bits, bases, nil
}

func (b *bob) receiveQBits() (bits, bases, dropped bitarray.Dense, err error) {
	basisArr := make([]byte, b.qBytes)
	b.rand.Read(basisArr)
	bases = bitarray.NewDense(basisArr, -1)
	bitsArr, droppedArr, err := b.receiver.Receive(basisArr)
	if err != nil {
		return bitarray.Empty(), bitarray.Empty(), bitarray.Empty(), fmt.Errorf("receiving qubits: %w", err)
	}
	bits = bitarray.NewDense(bitsArr, -1)
	dropped = bitarray.NewDense(droppedArr, -1)
	return bits, bases, dropped, nil
}

func (a *alice) sift(bits, bases bitarray.Dense, s *Stats) (sifted bitarray.Dense, err error) {
	bba := new(wire.BasisAnnouncement)
	if err := a.sideChannel.Read(bba, s); err != nil {
		return bitarray.Empty(), fmt.Errorf("receiving basis announcement: %w", err)
	}
	aba := &wire.BasisAnnouncement{Bases: bases}
	if err := a.sideChannel.Write(aba, s); err != nil {
		return bitarray.Empty(), fmt.Errorf("announcing bases: %w", err)
	}
	sifted = sift(bits, bases, bba.Bases, bba.Dropped)
	s.SiftedBits = sifted.Size()
	return sifted, nil
}

func (b *bob) sift(bits, bases, dropped bitarray.Dense, s *Stats) (sifted bitarray.Dense, err error) {
	bba := &wire.BasisAnnouncement{Bases: bases, Dropped: dropped}
	if err := b.sideChannel.Write(bba, s); err != nil {
		return bitarray.Empty(), fmt.Errorf("sending basis announcement: %w", err)
	}
	aba := new(wire.BasisAnnouncement)
	if err := b.sideChannel.Read(aba, s); err != nil {
		return bitarray.Empty(), fmt.Errorf("receiving bases: %w", err)
	}
	sifted = sift(bits, bases, aba.Bases, dropped)
	s.SiftedBits = sifted.Size()
	return sifted, nil
}

func (a *alice) estimateQBER(sifted bitarray.Dense, s *Stats) (remaining bitarray.Dense, err error) {
	if err := checkMaterial(sifted.Size(), a.sampleProp, a.minSample, a.minKey, s); err != nil {
		return bitarray.Empty(), err
	}

	// Announce sampled bits.
	seed := a.rand.Int63()
	unsampled, sampled, err := sample(sifted, a.sampleProp, seed)
	if err != nil {
		return bitarray.Empty(), err
	}
	s.SampledBits = sampled.Size()
	s.RemainingBits = unsampled.Size()
	sa := &wire.SampleAnnouncement{Bits: sampled, Seed: seed}
	if err := a.sideChannel.Write(sa, s); err != nil {
		return bitarray.Empty(), fmt.Errorf("announcing sampled bits: %w", err)
	}

	// Receive QBER for sample.
	qa := new(wire.QBERAnnouncement)
	if err := a.sideChannel.Read(qa, s); err != nil {
		return bitarray.Empty(), fmt.Errorf("receiving QBER announcement: %w", err)
	}
	s.QBER = qa.QBER
	if s.QBER > a.qberThreshold {
		return bitarray.Empty(), abort(ErrEavesdroppingDetected, s)
	}
	return unsampled, nil
}

func (b *bob) estimateQBER(sifted bitarray.Dense, s *Stats) (remaining bitarray.Dense, err error) {
	if err := checkMaterial(sifted.Size(), b.sampleProp, b.minSample, b.minKey, s); err != nil {
		return bitarray.Empty(), err
	}

	sa := new(wire.SampleAnnouncement)
	if err := b.sideChannel.Read(sa, s); err != nil {
		return bitarray.Empty(), fmt.Errorf("receiving sampled bits: %w", err)
	}
	unsampled, bSampled, err := sample(sifted, b.sampleProp, sa.Seed)
	if err != nil {
		return bitarray.Empty(), fmt.Errorf("sampling bits: %w", err)
	}
	s.SampledBits = bSampled.Size()
	s.RemainingBits = unsampled.Size()

	// Calculate and announce sampled QBER.
	mismatches := sa.Bits.XOr(bSampled).CountOnes()
	s.QBER = float64(mismatches) / float64(bSampled.Size())
	qa := &wire.QBERAnnouncement{QBER: s.QBER}
	if err := b.sideChannel.Write(qa, s); err != nil {
		return bitarray.Empty(), fmt.Errorf("sending QBER announcement: %w", err)
	}
	if s.QBER > b.qberThreshold {
		return bitarray.Empty(), abort(ErrEavesdroppingDetected, s)
	}
	return unsampled, nil
}

func (a *alice) sendSeed(bitCount, m int, s *Stats) (bitarray.Dense, error) {
	needed := bitCount + m - 1
	seed := make([]byte, bitarray.BytesFor(needed))
	a.rand.Read(seed)
	if err := a.sideChannel.Write(&wire.SeedAnnouncement{Seed: seed}, s); err != nil {
		return bitarray.Empty(), fmt.Errorf("announcing extraction seed: %w", err)
	}
	return bitarray.NewDense(seed, -1), nil
}

func (b *bob) receiveSeed(s *Stats) (bitarray.Dense, error) {
	m := new(wire.SeedAnnouncement)
	if err := b.sideChannel.Read(m, s); err != nil {
		return bitarray.Empty(), fmt.Errorf("receiving extraction seed: %w", err)
	}
	return bitarray.NewDense(m.Seed, -1), nil
}

// checkMaterial enforces the floor on detection-sample and surviving-key
// sizes. Both parties evaluate it on the same sifted length, so they abort in
// lockstep without further communication.
func checkMaterial(sifted int, proportion float64, minSample, minKey int, s *Stats) error {
	k := int(proportion * float64(sifted))
	if k < minSample || sifted-k < minKey {
		s.SampledBits = k
		s.RemainingBits = sifted - k
		return abort(ErrInsufficientKeyMaterial, s)
	}
	return nil
}

// calcMaxEveInfo returns a theoretical bound on the number of bits of
// information that Eve could have discerned from a quantum communication
// consisting of n qbits for which an error rate of qber was observed.
//
// See also, https://link.springer.com/article/10.1007/BF00191318
func calcMaxEveInfo(qber, eps float64, n, k int) float64 {
	// See https://arxiv.org/abs/1506.08458, lemma 6.
	A := float64(n*k*k) / float64((n+k)*(k+1))
	nu := math.Sqrt(0.5 * math.Log(1/eps) / A)
	qberPessimistic := qber + nu

	// See https://link.springer.com/article/10.1007/BF00191318.
	return 2 * math.Sqrt(2) * qberPessimistic * float64(n)
}

// extractedBits returns the number of secret bits that survive privacy
// amplification of an n-bit reconciled key with the given leakage.
func extractedBits(n int, bitsLeaked, eps float64) int {
	return n - int(math.Ceil(bitsLeaked+2*math.Log(1/eps)))
}

func sift(bits, sendBasis, receiveBasis, dropped bitarray.Dense) bitarray.Dense {
	siftMask := sendBasis.XNor(receiveBasis)
	if dropped.Size() > 0 {
		siftMask = siftMask.And(dropped)
	}
	return bits.Select(siftMask)
}

func sample(bits bitarray.Dense, proportion float64, seed int64) (unsampled, sampled bitarray.Dense, err error) {
	r := rand.New(rand.NewSource(seed))
	bits.Shuffle(r)
	n := bits.Size()
	k := int(proportion * float64(n))
	unsampled, err = bits.Slice(0, n-k)
	if err != nil {
		return bitarray.Empty(), bitarray.Empty(), err
	}
	sampled, err = bits.Slice(n-k, n)
	if err != nil {
		return bitarray.Empty(), bitarray.Empty(), err
	}
	return unsampled, sampled, nil
}

func extractKey(seed, x bitarray.Dense, m int) (bitarray.Dense, error) {
	t := toeplitz{
		diags: seed,
		m:     m,
		n:     x.Size(),
	}
	return t.Mul(x)
}
