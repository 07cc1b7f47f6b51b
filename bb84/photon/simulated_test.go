package photon

import (
	"bytes"
	"testing"

	exprand "golang.org/x/exp/rand"

	"github.com/qkdlab/bb84/bb84/bitarray"
)

func mustChannel(t *testing.T, opts SimOpts) (*SimulatedSender, *SimulatedReceiver) {
	t.Helper()
	s, r, err := NewSimulatedChannel(opts)
	if err != nil {
		t.Fatalf("NewSimulatedChannel: %v", err)
	}
	return s, r
}

func batch(seed uint64, n int) []byte {
	r := exprand.New(exprand.NewSource(seed))
	b := make([]byte, bitarray.BytesFor(n))
	r.Read(b)
	return b
}

// matchedMismatches counts positions where the two parties used the same
// basis but measured different bits.
func matchedMismatches(sendBits, sendBases, recBits, recBases []byte, n int) (matched, mismatched int) {
	sb := bitarray.NewDense(sendBits, n)
	rb := bitarray.NewDense(recBits, n)
	sameBasis := bitarray.NewDense(sendBases, n).XNor(bitarray.NewDense(recBases, n))
	matched = sameBasis.CountOnes()
	mismatched = sb.XOr(rb).And(sameBasis).CountOnes()
	return matched, mismatched
}

func TestQuietChannelIsFaithful(t *testing.T) {
	const n = 4096
	sender, receiver := mustChannel(t, SimOpts{
		Rand:    exprand.New(exprand.NewSource(1)),
		BufSize: 1,
	})
	sendBits, sendBases, recBases := batch(2, n), batch(3, n), batch(4, n)
	if err := sender.Send(sendBits, sendBases); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recBits, dropped, err := receiver.Receive(recBases)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(dropped) != 0 {
		t.Errorf("quiet channel dropped pulses: %v", dropped)
	}
	matched, mismatched := matchedMismatches(sendBits, sendBases, recBits, recBases, n)
	if matched < n/3 {
		t.Fatalf("only %d matched-basis positions out of %d", matched, n)
	}
	if mismatched != 0 {
		t.Errorf("%d mismatches on matched bases over a quiet channel", mismatched)
	}
	if receiver.Intercepted.CountOnes() != 0 {
		t.Errorf("interceptions recorded with no eavesdropper present")
	}
}

func TestInterceptResendInducesQBER(t *testing.T) {
	const n = 8192
	sender, receiver := mustChannel(t, SimOpts{
		EveProbability: 1.0,
		Rand:           exprand.New(exprand.NewSource(1)),
		BufSize:        1,
	})
	sendBits, sendBases, recBases := batch(2, n), batch(3, n), batch(4, n)
	if err := sender.Send(sendBits, sendBases); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recBits, _, err := receiver.Receive(recBases)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	matched, mismatched := matchedMismatches(sendBits, sendBases, recBits, recBases, n)
	qber := float64(mismatched) / float64(matched)
	// Intercept-resend on every qubit yields an expected QBER of 0.25 on
	// matched bases.
	if qber < 0.2 || qber > 0.3 {
		t.Errorf("observed QBER %f over %d matched positions, want approximately 0.25", qber, matched)
	}
	if got := receiver.Intercepted.CountOnes(); got != n {
		t.Errorf("recorded %d interceptions, want %d", got, n)
	}
}

func TestNoiseFlipsBits(t *testing.T) {
	const n = 8192
	sender, receiver := mustChannel(t, SimOpts{
		NoiseProbability: 0.05,
		Rand:             exprand.New(exprand.NewSource(1)),
		BufSize:          1,
	})
	sendBits, sendBases := batch(2, n), batch(3, n)
	if err := sender.Send(sendBits, sendBases); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Measuring in the sender's own bases isolates noise from measurement
	// collapse.
	recBits, _, err := receiver.Receive(sendBases)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	_, mismatched := matchedMismatches(sendBits, sendBases, recBits, sendBases, n)
	rate := float64(mismatched) / float64(n)
	if rate < 0.02 || rate > 0.09 {
		t.Errorf("observed noise rate %f, want approximately 0.05", rate)
	}
}

func TestForcedErrorsAndDrops(t *testing.T) {
	const n = 16
	sender, receiver := mustChannel(t, SimOpts{
		Rand:    exprand.New(exprand.NewSource(1)),
		BufSize: 1,
	})
	receiver.Errors = []byte{0x01, 0x00}
	receiver.DropMask = []byte{0xff, 0x7f}
	sendBits, sendBases := batch(2, n), batch(3, n)
	if err := sender.Send(sendBits, sendBases); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recBits, dropped, err := receiver.Receive(sendBases)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(dropped, receiver.DropMask) {
		t.Errorf("drop mask = %v, want %v", dropped, receiver.DropMask)
	}
	want := bitarray.NewDense(sendBits, n).XOr(bitarray.NewDense(receiver.Errors, n))
	if !bytes.Equal(recBits, want.Data()) {
		t.Errorf("measured bits = %v, want sent bits with the forced flip", recBits)
	}
}

func TestDeterministicTranscript(t *testing.T) {
	const n = 1024
	run := func() []byte {
		sender, receiver := mustChannel(t, SimOpts{
			EveProbability:   0.5,
			NoiseProbability: 0.01,
			Rand:             exprand.New(exprand.NewSource(77)),
			BufSize:          1,
		})
		if err := sender.Send(batch(2, n), batch(3, n)); err != nil {
			t.Fatalf("Send: %v", err)
		}
		bits, _, err := receiver.Receive(batch(4, n))
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		return bits
	}
	if !bytes.Equal(run(), run()) {
		t.Errorf("identical seeds produced different transcripts")
	}
}

func TestSimOptsValidation(t *testing.T) {
	tcs := []struct {
		name string
		opts SimOpts
	}{
		{"eve probability above one", SimOpts{EveProbability: 1.5, Rand: exprand.New(exprand.NewSource(1))}},
		{"negative eve probability", SimOpts{EveProbability: -0.1, Rand: exprand.New(exprand.NewSource(1))}},
		{"noise probability above one", SimOpts{NoiseProbability: 2, Rand: exprand.New(exprand.NewSource(1))}},
		{"negative noise probability", SimOpts{NoiseProbability: -1, Rand: exprand.New(exprand.NewSource(1))}},
		{"no rand", SimOpts{}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := NewSimulatedChannel(tc.opts); err == nil {
				t.Errorf("NewSimulatedChannel accepted nonsensical options")
			}
		})
	}
}

func TestBatchLengthValidation(t *testing.T) {
	sender, receiver := mustChannel(t, SimOpts{
		Rand:    exprand.New(exprand.NewSource(1)),
		BufSize: 1,
	})
	if err := sender.Send(make([]byte, 4), make([]byte, 5)); err == nil {
		t.Errorf("Send accepted mismatched bit and basis lengths")
	}
	if err := sender.Send(make([]byte, 4), make([]byte, 4)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, _, err := receiver.Receive(make([]byte, 3)); err == nil {
		t.Errorf("Receive accepted a mismatched basis length")
	}
}
