package util_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antfarm/goxvkernel/internal/util"
)

func TestMinMax(t *testing.T) {
	require.Equal(t, 3, util.Min(3, 5))
	require.Equal(t, 5, util.Min(5, 3))
	require.Equal(t, 5, util.Max(3, 5))
	require.Equal(t, 5, util.Max(5, 3))
}

func TestRoundupRounddown(t *testing.T) {
	require.Equal(t, 4096, util.Roundup(1, 4096))
	require.Equal(t, 4096, util.Roundup(4096, 4096))
	require.Equal(t, 8192, util.Roundup(4097, 4096))
	require.Equal(t, 0, util.Rounddown(4095, 4096))
	require.Equal(t, 4096, util.Rounddown(4096, 4096))
}

func TestReadnWritenRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	util.Writen(buf, 8, 4, 0x0102030405060708)
	require.Equal(t, 0x0102030405060708, util.Readn(buf, 8, 4))

	// Little-endian: the low byte lands first.
	require.Equal(t, byte(0x08), buf[4])
	require.Equal(t, byte(0x01), buf[11])
}

func TestReadnWritenOutOfBoundsPanics(t *testing.T) {
	buf := make([]byte, 4)
	require.Panics(t, func() { util.Readn(buf, 8, 0) })
	require.Panics(t, func() { util.Writen(buf, 8, 0, 1) })
}
