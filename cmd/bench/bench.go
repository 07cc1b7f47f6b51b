// bench runs rounds of BB84 key negotiation over a simulated quantum channel
// for each entry in the cartesian product of a collection of tuning
// parameters, e.g. qubit count, interception rate, and channel noise, and
// outputs a CSV of statistics aggregated over a number of trials for each
// combination.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"text/template"

	flag "github.com/spf13/pflag"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"

	"github.com/qkdlab/bb84/bb84"
	"github.com/qkdlab/bb84/bb84/photon"
	"github.com/qkdlab/bb84/session"
)

var (
	qubits = flag.IntSlice("qubits", []int{8192},
		"The numbers of qubits to exchange during a round of key negotiation.")
	eves = flag.Float64Slice("eves", []float64{0},
		"The per-qubit interception probabilities to simulate.")
	noises = flag.Float64Slice("noises", []float64{0.01},
		"The per-qubit noise probabilities to simulate.")
	trials = flag.Int("trials", 10,
		"The number of negotiation rounds to run per parameter combination.")
	threshold = flag.Float64("threshold", 0.11,
		"The QBER above which a negotiation aborts.")
)

const (
	header   = "QBits,EveProb,NoiseProb,Trials,Aborts,MeanQBER,MeanKeyBits,StdKeyBits,MeanLeakedBits,MeanClassicalBytes"
	lineTmpl = "{{.QBits}},{{.EveProb}},{{.NoiseProb}},{{.Trials}},{{.Aborts}},{{printf \"%.4f\" .MeanQBER}},{{printf \"%.1f\" .MeanKeyBits}},{{printf \"%.1f\" .StdKeyBits}},{{printf \"%.1f\" .MeanLeakedBits}},{{printf \"%.1f\" .MeanClassicalBytes}}\n"
)

// A Result packages together the aggregated outcome of benchmarking a single
// parameterization for easy formatting.
type Result struct {
	QBits              int
	EveProb            float64
	NoiseProb          float64
	Trials             int
	Aborts             int
	MeanQBER           float64
	MeanKeyBits        float64
	StdKeyBits         float64
	MeanLeakedBits     float64
	MeanClassicalBytes float64
}

func main() {
	flag.Parse()
	reg := session.NewRegistry()
	fmt.Println(header)
	tmpl := template.Must(template.New("line").Parse(lineTmpl))
	for _, q := range *qubits {
		for _, eve := range *eves {
			for _, noise := range *noises {
				r, err := bench(reg, q, eve, noise, *trials)
				if err != nil {
					log.Fatalf("Benching (qubits: %d, eve: %f, noise: %f): %v", q, eve, noise, err)
				}
				if err := tmpl.Execute(os.Stdout, r); err != nil {
					log.Fatalf("BUG: could not fill in line template: %v", err)
				}
			}
		}
	}
	s := reg.Summarize()
	log.Printf("ran %d negotiations: %d succeeded, %d aborted, %d failed; mean QBER %.4f",
		s.Runs, s.Succeeded, s.Aborted, s.Failed, s.MeanQBER)
}

func bench(reg *session.Registry, qubits int, eve, noise float64, trials int) (Result, error) {
	var qbers, keyBits, leaked, classical []float64
	aborts := 0
	for trial := 0; trial < trials; trial++ {
		stats, err := negotiate(qubits, eve, noise, int64(trial))
		reg.Record(stats, err)
		if err != nil {
			var pe *bb84.ProtocolError
			if !errors.As(err, &pe) {
				return Result{}, err
			}
			aborts++
			if stats.SampledBits > 0 {
				qbers = append(qbers, stats.QBER)
			}
			continue
		}
		qbers = append(qbers, stats.QBER)
		keyBits = append(keyBits, float64(stats.KeyBits))
		leaked = append(leaked, stats.LeakedBits)
		classical = append(classical, float64(stats.BytesSent+stats.BytesRead))
	}
	return Result{
		QBits:              qubits,
		EveProb:            eve,
		NoiseProb:          noise,
		Trials:             trials,
		Aborts:             aborts,
		MeanQBER:           stat.Mean(qbers, nil),
		MeanKeyBits:        stat.Mean(keyBits, nil),
		StdKeyBits:         stat.StdDev(keyBits, nil),
		MeanLeakedBits:     stat.Mean(leaked, nil),
		MeanClassicalBytes: stat.Mean(classical, nil),
	}, nil
}

// negotiate runs one full key negotiation between an in-process Alice and Bob
// and returns Alice's view of the run.
func negotiate(qubits int, eve, noise float64, seed int64) (bb84.Stats, error) {
	l, r := net.Pipe()
	sender, receiver, err := photon.NewSimulatedChannel(photon.SimOpts{
		EveProbability:   eve,
		NoiseProbability: noise,
		Rand:             exprand.New(exprand.NewSource(uint64(seed))),
		BufSize:          1,
	})
	if err != nil {
		return bb84.Stats{}, err
	}
	otp := make([]byte, 1<<22)
	rand.New(rand.NewSource(seed)).Read(otp)
	a, err := bb84.NewPeer(bb84.PeerOpts{
		Sender:           sender,
		ClassicalChannel: l,
		Rand:             rand.New(rand.NewSource(seed + 42)),
		Secret:           bytes.NewBuffer(otp),
		QubitCount:       qubits,
		QBERThreshold:    *threshold,
		Cascade:          &bb84.CascadeOpts{SyncRand: rand.New(rand.NewSource(seed + 17))},
	})
	if err != nil {
		return bb84.Stats{}, err
	}
	b, err := bb84.NewPeer(bb84.PeerOpts{
		Receiver:         receiver,
		ClassicalChannel: r,
		Rand:             rand.New(rand.NewSource(seed + 1337)),
		Secret:           bytes.NewBuffer(otp),
		QubitCount:       qubits,
		QBERThreshold:    *threshold,
		Cascade:          &bb84.CascadeOpts{SyncRand: rand.New(rand.NewSource(seed + 17))},
	})
	if err != nil {
		return bb84.Stats{}, err
	}
	go b.NegotiateKey()
	_, stats, err := a.NegotiateKey()
	return stats, err
}
