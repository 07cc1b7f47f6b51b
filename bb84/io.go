package bb84

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/qkdlab/bb84/bb84/bitarray"
	"github.com/qkdlab/bb84/bb84/wire"
)

// A framer reads and writes framed wire messages to the classical channel.
// The structure of the frame is trivial:  payload-length | payload | mac
//
// MACs are computed by applying a secret Toeplitz matrix to create a hash,
// then applying a one-time pad to the hash to allow for unconditional
// security. See also, https://arxiv.org/abs/1603.08387.
type framer struct {
	rw     io.ReadWriter
	secret io.Reader
	t      toeplitz
}

func (p *framer) Write(m wire.Message, s *Stats) error {
	marshalled := m.Marshal()
	if err := binary.Write(p.rw, binary.LittleEndian, int32(len(marshalled))); err != nil {
		return err
	}
	if _, err := p.rw.Write(marshalled); err != nil {
		return err
	}
	mac, err := p.buildMAC(marshalled)
	if err != nil {
		return err
	}
	if _, err := p.rw.Write(mac); err != nil {
		return err
	}
	s.MessagesSent++
	s.BytesSent += 4 + len(marshalled) + len(mac)
	return nil
}

func (p *framer) Read(m wire.Message, s *Stats) error {
	var mLen int32
	if err := binary.Read(p.rw, binary.LittleEndian, &mLen); err != nil {
		return err
	}
	if mLen < 0 {
		return fmt.Errorf("negative frame length: %d", mLen)
	}
	marshalled := make([]byte, mLen)
	if _, err := io.ReadFull(p.rw, marshalled); err != nil {
		return err
	}
	mac := make([]byte, bitarray.BytesFor(p.t.m))
	if _, err := io.ReadFull(p.rw, mac); err != nil {
		return err
	}
	emac, err := p.buildMAC(marshalled)
	if err != nil {
		return err
	}
	if !bytes.Equal(mac, emac) {
		return fmt.Errorf("invalid mac: got %v, expected %v", mac, emac)
	}
	s.MessagesReceived++
	s.BytesRead += 4 + len(marshalled) + len(mac)
	return m.Unmarshal(marshalled)
}

func (p *framer) buildMAC(msg []byte) ([]byte, error) {
	p.t.n = len(msg) * 8
	hash, err := p.t.Mul(bitarray.NewDense(msg, -1))
	if err != nil {
		return nil, err
	}
	otp := make([]byte, hash.ByteSize())
	if _, err := io.ReadFull(p.secret, otp); err != nil {
		return nil, err
	}
	mac := hash.XOr(bitarray.NewDense(otp, -1))
	return mac.Data(), nil
}
