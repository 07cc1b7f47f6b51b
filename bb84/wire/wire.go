// Package wire defines the classical-channel messages exchanged during a BB84
// negotiation, encoded in protobuf wire format.
//
// The message set is small and fixed, so the codec is written directly against
// protowire rather than generated message types.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/qkdlab/bb84/bb84/bitarray"
)

// A Message can serialize itself to and from protobuf wire format.
type Message interface {
	Marshal() []byte
	Unmarshal(b []byte) error
}

// A BasisAnnouncement publishes the measurement bases a participant used, and,
// for receivers, which pulses were dropped outright.
type BasisAnnouncement struct {
	Bases   bitarray.Dense
	Dropped bitarray.Dense
}

// A SampleAnnouncement publishes the bit values sampled for error estimation,
// along with the shuffle seed identifying which positions were sampled.
type SampleAnnouncement struct {
	Bits bitarray.Dense
	Seed int64
}

// A QBERAnnouncement publishes the error rate observed in a detection sample.
type QBERAnnouncement struct {
	QBER float64
}

// A ParityAnnouncement publishes one parity bit per block for a publicly
// agreed partition of the working key.
type ParityAnnouncement struct {
	Parities bitarray.Dense
}

// An Interval identifies a half-open block [Start, End) of the permuted
// working key.
type Interval struct {
	Start int
	End   int
}

// An IntervalAnnouncement asks the remote side for the parities of the given
// intervals. An empty announcement signals the end of a bisection round.
type IntervalAnnouncement struct {
	Intervals []Interval
}

// A VerdictAnnouncement reports whether the announcing side considers the
// current phase finished successfully.
type VerdictAnnouncement struct {
	OK bool
}

// A SeedAnnouncement publishes the seed selecting a member of the universal
// hash family used for privacy amplification.
type SeedAnnouncement struct {
	Seed []byte
}

// Marshal implements the Message interface.
func (m *BasisAnnouncement) Marshal() []byte {
	var b []byte
	b = appendBits(b, 1, m.Bases)
	if m.Dropped.Size() > 0 {
		b = appendBits(b, 2, m.Dropped)
	}
	return b
}

// Unmarshal implements the Message interface.
func (m *BasisAnnouncement) Unmarshal(b []byte) error {
	*m = BasisAnnouncement{}
	return walkFields(b, func(num protowire.Number, raw []byte) error {
		switch num {
		case 1:
			return consumeBits(raw, &m.Bases)
		case 2:
			return consumeBits(raw, &m.Dropped)
		}
		return nil
	})
}

// Marshal implements the Message interface.
func (m *SampleAnnouncement) Marshal() []byte {
	var b []byte
	b = appendBits(b, 1, m.Bits)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Seed))
	return b
}

// Unmarshal implements the Message interface.
func (m *SampleAnnouncement) Unmarshal(b []byte) error {
	*m = SampleAnnouncement{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := consumeBits(raw, &m.Bits); err != nil {
				return err
			}
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Seed = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// Marshal implements the Message interface.
func (m *QBERAnnouncement) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.QBER))
	return b
}

// Unmarshal implements the Message interface.
func (m *QBERAnnouncement) Unmarshal(b []byte) error {
	*m = QBERAnnouncement{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.Fixed64Type {
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.QBER = math.Float64frombits(v)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// Marshal implements the Message interface.
func (m *ParityAnnouncement) Marshal() []byte {
	return appendBits(nil, 1, m.Parities)
}

// Unmarshal implements the Message interface.
func (m *ParityAnnouncement) Unmarshal(b []byte) error {
	*m = ParityAnnouncement{}
	return walkFields(b, func(num protowire.Number, raw []byte) error {
		if num == 1 {
			return consumeBits(raw, &m.Parities)
		}
		return nil
	})
}

// Marshal implements the Message interface.
func (m *IntervalAnnouncement) Marshal() []byte {
	var b []byte
	for _, iv := range m.Intervals {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(iv.Start))
		sub = protowire.AppendTag(sub, 2, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(iv.End))
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

// Unmarshal implements the Message interface.
func (m *IntervalAnnouncement) Unmarshal(b []byte) error {
	*m = IntervalAnnouncement{}
	return walkFields(b, func(num protowire.Number, raw []byte) error {
		if num != 1 {
			return nil
		}
		var iv Interval
		err := walkVarints(raw, func(num protowire.Number, v uint64) {
			switch num {
			case 1:
				iv.Start = int(v)
			case 2:
				iv.End = int(v)
			}
		})
		if err != nil {
			return err
		}
		if iv.End < iv.Start {
			return fmt.Errorf("negative-length interval [%d, %d)", iv.Start, iv.End)
		}
		m.Intervals = append(m.Intervals, iv)
		return nil
	})
}

// Marshal implements the Message interface.
func (m *VerdictAnnouncement) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	var v uint64
	if m.OK {
		v = 1
	}
	b = protowire.AppendVarint(b, v)
	return b
}

// Unmarshal implements the Message interface.
func (m *VerdictAnnouncement) Unmarshal(b []byte) error {
	*m = VerdictAnnouncement{}
	return walkVarints(b, func(num protowire.Number, v uint64) {
		if num == 1 {
			m.OK = v != 0
		}
	})
}

// Marshal implements the Message interface.
func (m *SeedAnnouncement) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Seed)
	return b
}

// Unmarshal implements the Message interface.
func (m *SeedAnnouncement) Unmarshal(b []byte) error {
	*m = SeedAnnouncement{}
	return walkFields(b, func(num protowire.Number, raw []byte) error {
		if num == 1 {
			m.Seed = append([]byte(nil), raw...)
		}
		return nil
	})
}

// appendBits encodes a bit array as a nested message: bytes on field 1, bit
// length on field 2.
func appendBits(b []byte, num protowire.Number, d bitarray.Dense) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, 1, protowire.BytesType)
	sub = protowire.AppendBytes(sub, d.Data())
	sub = protowire.AppendTag(sub, 2, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(d.Size()))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, sub)
	return b
}

func consumeBits(raw []byte, d *bitarray.Dense) error {
	var data []byte
	bitLen := -1
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return protowire.ParseError(n)
		}
		raw = raw[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = v
			raw = raw[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return protowire.ParseError(n)
			}
			bitLen = int(v)
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return protowire.ParseError(n)
			}
			raw = raw[n:]
		}
	}
	if bitLen > len(data)*8 {
		return fmt.Errorf("bit array length %d exceeds %d data bytes", bitLen, len(data))
	}
	*d = bitarray.NewDense(data, bitLen)
	return nil
}

// walkFields invokes fn for every length-delimited field in b, skipping fields
// of other wire types.
func walkFields(b []byte, fn func(num protowire.Number, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		if err := fn(num, raw); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// walkVarints invokes fn for every varint field in b, skipping fields of other
// wire types.
func walkVarints(b []byte, fn func(num protowire.Number, v uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		fn(num, v)
		b = b[n:]
	}
	return nil
}
