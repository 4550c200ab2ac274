package comm

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"

	"github.com/notargets/octforest/octant"
)

func appendKey(b []byte, k octant.Key) []byte {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendUint64(b, k.Morton)
	return msgp.AppendUint8(b, k.Level)
}

func readKey(bts []byte) (k octant.Key, rest []byte, err error) {
	var sz uint32
	if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return k, nil, err
	}
	if sz != 2 {
		return k, nil, msgp.ArrayError{Wanted: 2, Got: sz}
	}
	if k.Morton, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return k, nil, err
	}
	if k.Level, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return k, nil, err
	}
	return k, bts, nil
}

func appendUint64s(b []byte, v []uint64) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(v)))
	for _, x := range v {
		b = msgp.AppendUint64(b, x)
	}
	return b
}

func readUint64s(bts []byte) ([]uint64, []byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, nil, err
	}
	v := make([]uint64, sz)
	for i := range v {
		if v[i], bts, err = msgp.ReadUint64Bytes(bts); err != nil {
			return nil, nil, err
		}
	}
	return v, bts, nil
}

// PartitionInfo summarizes one rank's owned range along the curve.
type PartitionInfo struct {
	Count uint64
	First octant.Key // First max level descendant of the first local octant
	Last  octant.Key // Last max level descendant of the last local octant
}

// MarshalMsg implements msgp.Marshaler
func (z PartitionInfo) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendUint64(b, z.Count)
	b = appendKey(b, z.First)
	return appendKey(b, z.Last), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *PartitionInfo) UnmarshalMsg(bts []byte) (rest []byte, err error) {
	var sz uint32
	if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return nil, err
	}
	if sz != 3 {
		return nil, msgp.ArrayError{Wanted: 3, Got: sz}
	}
	if z.Count, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return nil, err
	}
	if z.First, bts, err = readKey(bts); err != nil {
		return nil, err
	}
	if z.Last, bts, err = readKey(bts); err != nil {
		return nil, err
	}
	return bts, nil
}

// ChangeCounter carries the number of octants changed in one balance round.
type ChangeCounter struct {
	Round   uint32
	Changed uint64
}

// MarshalMsg implements msgp.Marshaler
func (z ChangeCounter) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendUint32(b, z.Round)
	return msgp.AppendUint64(b, z.Changed), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *ChangeCounter) UnmarshalMsg(bts []byte) (rest []byte, err error) {
	var sz uint32
	if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return nil, err
	}
	if sz != 2 {
		return nil, msgp.ArrayError{Wanted: 2, Got: sz}
	}
	if z.Round, bts, err = msgp.ReadUint32Bytes(bts); err != nil {
		return nil, err
	}
	if z.Changed, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return nil, err
	}
	return bts, nil
}

// MarkerDelta carries the current markers of boundary octants, addressed by global index.
type MarkerDelta struct {
	GlobalIdx []uint64
	Markers   []int8
}

// MarshalMsg implements msgp.Marshaler
func (z MarkerDelta) MarshalMsg(b []byte) ([]byte, error) {
	if len(z.GlobalIdx) != len(z.Markers) {
		return nil, errors.Errorf("marker delta: %d indices for %d markers", len(z.GlobalIdx), len(z.Markers))
	}
	b = msgp.AppendArrayHeader(b, 2)
	b = appendUint64s(b, z.GlobalIdx)
	b = msgp.AppendArrayHeader(b, uint32(len(z.Markers)))
	for _, m := range z.Markers {
		b = msgp.AppendInt8(b, m)
	}
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *MarkerDelta) UnmarshalMsg(bts []byte) (rest []byte, err error) {
	var sz uint32
	if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return nil, err
	}
	if sz != 2 {
		return nil, msgp.ArrayError{Wanted: 2, Got: sz}
	}
	if z.GlobalIdx, bts, err = readUint64s(bts); err != nil {
		return nil, err
	}
	if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return nil, err
	}
	z.Markers = make([]int8, sz)
	for i := range z.Markers {
		if z.Markers[i], bts, err = msgp.ReadInt8Bytes(bts); err != nil {
			return nil, err
		}
	}
	return bts, nil
}

// OctantRecords is a run of octants sent for migration or as ghosts. The
// octant array is snappy compressed on the wire.
type OctantRecords struct {
	Octants   octant.Octants
	GlobalIdx []uint64 // Owner global index per octant, empty for migration runs
}

// MarshalMsg implements msgp.Marshaler
func (z OctantRecords) MarshalMsg(b []byte) ([]byte, error) {
	raw, err := z.Octants.MarshalMsg(nil)
	if err != nil {
		return nil, err
	}
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendBytes(b, snappy.Encode(nil, raw))
	return appendUint64s(b, z.GlobalIdx), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *OctantRecords) UnmarshalMsg(bts []byte) (rest []byte, err error) {
	var sz uint32
	if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return nil, err
	}
	if sz != 2 {
		return nil, msgp.ArrayError{Wanted: 2, Got: sz}
	}
	var packed []byte
	if packed, bts, err = msgp.ReadBytesBytes(bts, nil); err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, packed)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing octant records")
	}
	if _, err = z.Octants.UnmarshalMsg(raw); err != nil {
		return nil, err
	}
	if z.GlobalIdx, bts, err = readUint64s(bts); err != nil {
		return nil, err
	}
	if len(z.GlobalIdx) != 0 && len(z.GlobalIdx) != len(z.Octants) {
		return nil, errors.Errorf("octant records: %d indices for %d octants", len(z.GlobalIdx), len(z.Octants))
	}
	return bts, nil
}

// Ack acknowledges receipt of a migrated run.
type Ack struct {
	Count uint64
}

// MarshalMsg implements msgp.Marshaler
func (z Ack) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendUint64(b, z.Count), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *Ack) UnmarshalMsg(bts []byte) (rest []byte, err error) {
	z.Count, bts, err = msgp.ReadUint64Bytes(bts)
	return bts, err
}

// Uint64s is a generic vector used for gathered counts.
type Uint64s []uint64

// MarshalMsg implements msgp.Marshaler
func (z Uint64s) MarshalMsg(b []byte) ([]byte, error) {
	return appendUint64s(b, z), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *Uint64s) UnmarshalMsg(bts []byte) (rest []byte, err error) {
	*z, rest, err = readUint64s(bts)
	return rest, err
}
