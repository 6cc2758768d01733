package item_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache/internal/item"
)

func TestEncodedSizeRoundsUpToAlignment(t *testing.T) {
	require.Equal(t, 8, item.Alignment)
	require.Equal(t, item.RoundUp(item.HeaderSize), item.EncodedSize(0, 0, 0, false))
	require.Equal(t, 0, item.EncodedSize(3, 0, 0, false)%item.Alignment)
}

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, item.EncodedSize(3, 3, 0, true))
	h := item.Header{
		KeyLen:   3,
		Olen:     0,
		ValueLen: 3,
		Freq:     1,
		HasCAS:   true,
		CAS:      42,
		Linked:   true,
	}
	item.WriteHeader(buf, h)
	copy(item.Key(buf, h), "key")
	copy(item.Value(buf, h), "val")

	got, err := item.ReadHeader(buf)
	require.NoError(t, err)
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("header did not round trip (-want +got):\n%s", diff)
	}
	require.Equal(t, "key", string(item.Key(buf, got)))
	require.Equal(t, "val", string(item.Value(buf, got)))
}

func TestSetDeletedIsIdempotentAndVisible(t *testing.T) {
	buf := make([]byte, item.EncodedSize(1, 1, 0, false))
	h := item.Header{KeyLen: 1, ValueLen: 1}
	item.WriteHeader(buf, h)

	got, _ := item.ReadHeader(buf)
	require.False(t, got.Deleted)

	item.SetDeleted(buf)
	item.SetDeleted(buf)

	got, _ = item.ReadHeader(buf)
	require.True(t, got.Deleted)
}

func TestNumericFastPath(t *testing.T) {
	n, ok := item.ParseUint64([]byte("10"))
	require.True(t, ok)
	require.Equal(t, uint64(10), n)

	encoded := item.EncodeNumericValue(n)
	decoded, err := item.DecodeNumericValue(encoded)
	require.NoError(t, err)
	require.Equal(t, n, decoded)

	require.Equal(t, "15", string(item.FormatUint64(15)))

	_, ok = item.ParseUint64([]byte("not-a-number"))
	require.False(t, ok)

	_, ok = item.ParseUint64([]byte("99999999999999999999999"))
	require.False(t, ok)
}
