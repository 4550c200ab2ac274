package octant

import (
	"github.com/tinylib/msgp/msgp"
)

// flag bits packed into one byte on the wire
const (
	flagGhost uint8 = 1 << iota
	flagNewR
	flagNewC
	flagBalance
)

const octantFields = 8

// minOctantSize is the smallest encoding of one octant: a fixarray header and
// eight positive fixints.
const minOctantSize = 1 + octantFields

func (o Octant) flags() (f uint8) {
	if o.Ghost {
		f |= flagGhost
	}
	if o.NewR {
		f |= flagNewR
	}
	if o.NewC {
		f |= flagNewC
	}
	if o.Balance {
		f |= flagBalance
	}
	return f
}

func (o *Octant) setFlags(f uint8) {
	o.Ghost = f&flagGhost != 0
	o.NewR = f&flagNewR != 0
	o.NewC = f&flagNewC != 0
	o.Balance = f&flagBalance != 0
}

// MarshalMsg implements msgp.Marshaler
func (o Octant) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.Require(b, o.Msgsize())
	b = msgp.AppendArrayHeader(b, octantFields)
	b = msgp.AppendUint32(b, o.Coords[0])
	b = msgp.AppendUint32(b, o.Coords[1])
	b = msgp.AppendUint32(b, o.Coords[2])
	b = msgp.AppendUint8(b, o.Level)
	b = msgp.AppendInt8(b, o.Marker)
	b = msgp.AppendUint8(b, o.flags())
	b = msgp.AppendUint8(b, o.Bound)
	b = msgp.AppendUint8(b, o.PBound)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (o *Octant) UnmarshalMsg(bts []byte) (rest []byte, err error) {
	var sz uint32
	sz, bts, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	if sz != octantFields {
		return nil, msgp.ArrayError{Wanted: octantFields, Got: sz}
	}
	for i := 0; i < 3; i++ {
		if o.Coords[i], bts, err = msgp.ReadUint32Bytes(bts); err != nil {
			return nil, err
		}
	}
	if o.Level, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return nil, err
	}
	if o.Marker, bts, err = msgp.ReadInt8Bytes(bts); err != nil {
		return nil, err
	}
	var f uint8
	if f, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return nil, err
	}
	o.setFlags(f)
	if o.Bound, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return nil, err
	}
	if o.PBound, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return nil, err
	}
	return bts, nil
}

// Msgsize returns an upper bound of the encoded size.
func (o Octant) Msgsize() int {
	return msgp.ArrayHeaderSize + 3*msgp.Uint32Size + 4*msgp.Uint8Size + msgp.Int8Size
}

// Octants is an ordered run of octants as carried in protocol messages and checkpoints.
type Octants []Octant

// MarshalMsg implements msgp.Marshaler
func (z Octants) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.Require(b, z.Msgsize())
	b = msgp.AppendArrayHeader(b, uint32(len(z)))
	var err error
	for i := range z {
		if b, err = z[i].MarshalMsg(b); err != nil {
			return b, err
		}
	}
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *Octants) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	if uint64(sz) > uint64(len(bts)/minOctantSize) {
		return nil, msgp.ErrShortBytes
	}
	out := make(Octants, sz)
	for i := range out {
		if bts, err = out[i].UnmarshalMsg(bts); err != nil {
			return nil, err
		}
	}
	*z = out
	return bts, nil
}

// Msgsize returns an upper bound of the encoded size.
func (z Octants) Msgsize() int {
	return msgp.ArrayHeaderSize + len(z)*Octant{}.Msgsize()
}
