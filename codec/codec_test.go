package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/merkle-tox/timeprovider"
)

func TestPrimitivesRoundTrip(t *testing.T) {
	w := NewWriter(64)
	w.PutUint8(0xAB)
	w.PutUint16(0x1234)
	w.PutUint32(0xDEADBEEF)
	w.PutUint64(0x0102030405060708)
	w.PutInt64(-42)
	w.PutFloat64(3.14159)
	w.PutBool(true)
	w.PutBytes([]byte("hello"))
	w.PutString("world")
	w.PutArrayHeader(3)
	w.PutStructHeader(2)

	r := NewReader(w.Bytes())

	u8, err := r.GetUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(0xAB), u8)

	u16, err := r.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), u16)

	u32, err := r.GetUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := r.GetUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), u64)

	i64, err := r.GetInt64()
	require.NoError(t, err)
	require.Equal(t, int64(-42), i64)

	f64, err := r.GetFloat64()
	require.NoError(t, err)
	require.Equal(t, 3.14159, f64)

	b, err := r.GetBool()
	require.NoError(t, err)
	require.True(t, b)

	bs, err := r.GetBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), bs)

	s, err := r.GetString()
	require.NoError(t, err)
	require.Equal(t, "world", s)

	n, err := r.GetArrayHeader()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	fc, err := r.GetStructHeader()
	require.NoError(t, err)
	require.Equal(t, 2, fc)

	require.Zero(t, r.Remaining())
}

func TestGetShortBuffer(t *testing.T) {
	r := NewReader([]byte{0x01})
	_, err := r.GetUint32()
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestEnumUnitRoundTrip(t *testing.T) {
	w := NewWriter(8)
	PutEnumUnit(w, 7)
	r := NewReader(w.Bytes())
	tag, err := GetEnumTag(r)
	require.NoError(t, err)
	require.Equal(t, uint32(7), tag)
}

func TestEnumValueRoundTrip(t *testing.T) {
	w := NewWriter(16)
	PutEnumValueHeader(w, 3)
	w.PutString("payload")
	r := NewReader(w.Bytes())
	tag, err := GetEnumTag(r)
	require.NoError(t, err)
	require.Equal(t, uint32(3), tag)
	s, err := r.GetString()
	require.NoError(t, err)
	require.Equal(t, "payload", s)
}

func TestSkipValueAllTags(t *testing.T) {
	w := NewWriter(128)
	w.PutUint8(uint8(TagUnit))
	w.PutUint8(0)

	w.PutUint8(uint8(TagBool))
	w.PutUint8(1)

	w.PutUint8(uint8(TagUint64))
	w.PutUint64(42)

	PutTaggedBytes(w, []byte("skip me"))

	w.PutUint8(uint8(TagArray))
	w.PutArrayHeader(2)
	PutTaggedBytes(w, []byte("a"))
	PutTaggedBytes(w, []byte("b"))

	w.PutUint8(uint8(TagMap))
	w.PutMapHeader(1)
	PutTaggedBytes(w, []byte("k"))
	PutTaggedBytes(w, []byte("v"))

	w.PutUint8(uint8(TagStruct))
	w.PutStructHeader(1)
	PutTaggedBytes(w, []byte("field"))

	w.PutUint8(uint8(TagEnumUnit))
	w.PutUint32(9)

	w.PutUint8(uint8(TagEnumValue))
	w.PutUint32(2)
	PutTaggedBytes(w, []byte("enum payload"))

	r := NewReader(w.Bytes())
	for i := 0; i < 9; i++ {
		require.NoError(t, SkipValue(r), "skip #%d", i)
	}
	require.Zero(t, r.Remaining())
}

func TestTaggedBytesWrongTag(t *testing.T) {
	w := NewWriter(8)
	w.PutUint8(uint8(TagUint64))
	w.PutUint64(1)
	r := NewReader(w.Bytes())
	_, err := GetTaggedBytes(r)
	require.Error(t, err)
}

func TestInstantRoundTripSameClock(t *testing.T) {
	sim := timeprovider.NewSim(time.Unix(1_700_000_000, 0))
	instant := sim.NowInstant().Add(-5 * time.Second)

	w := NewWriter(32)
	PutInstant(w, sim, instant)
	r := NewReader(w.Bytes())
	got, err := GetInstant(r, sim)
	require.NoError(t, err)
	require.WithinDuration(t, instant, got, time.Millisecond)
}

func TestInstantClampsToReceiverNow(t *testing.T) {
	sender := timeprovider.NewSim(time.Unix(1_700_000_100, 0))
	instant := sender.NowInstant().Add(time.Second) // a future instant relative to the sender

	w := NewWriter(32)
	PutInstant(w, sender, instant)

	receiver := timeprovider.NewSim(time.Unix(1_700_000_000, 0)) // behind the sender
	r := NewReader(w.Bytes())
	got, err := GetInstant(r, receiver)
	require.NoError(t, err)
	require.False(t, got.After(receiver.NowInstant()))
}

func TestInstantRoundTripAfterSimulatedRestart(t *testing.T) {
	original := timeprovider.NewSim(time.Unix(1_700_000_000, 0))
	instant := original.NowInstant()

	w := NewWriter(32)
	PutInstant(w, original, instant)

	// Simulate a restart: a later "now" reading the same bytes back.
	later := timeprovider.NewSim(time.Unix(1_700_000_050, 0))
	r := NewReader(w.Bytes())
	got, err := GetInstant(r, later)
	require.NoError(t, err)
	require.False(t, got.After(later.NowInstant()))
	// The instant must still land at its original wall position, not
	// collapse to "later.NowInstant()" by discarding its age.
	require.WithinDuration(t, instant, got, time.Millisecond)
}
