package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeUint32(t *testing.T) {
	tests := []struct {
		name  string
		value uint32
		want  []byte
	}{
		{name: "0", value: 0, want: []byte{}},
		{name: "255", value: 255, want: []byte{0xff}},
		{name: "256", value: 256, want: []byte{0x01, 0x00}},
		{name: "16384", value: 16384, want: []byte{0x40, 0x00}},
		{name: "5000000", value: 5000000, want: []byte{0x4c, 0x4b, 0x40}},
		{name: "20000000", value: 20000000, want: []byte{0x01, 0x31, 0x2d, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 4)
			n, err := EncodeUint32(buf, tt.value)
			require.NoError(t, err)
			require.Equal(t, tt.want, buf[:n])

			v, n, err := DecodeUint32(buf[:n])
			require.NoError(t, err)
			require.Equal(t, len(tt.want), n)
			require.Equal(t, tt.value, v)
		})
	}
}

func TestEncodeUint32TooSmall(t *testing.T) {
	n, err := EncodeUint32(nil, 5000000)
	require.ErrorIs(t, err, ErrTooSmall)
	require.Equal(t, 3, n)
}

func TestDecodeUint32TooLong(t *testing.T) {
	_, _, err := DecodeUint32([]byte{1, 2, 3, 4, 5})
	require.ErrorIs(t, err, ErrInvalidValueLength)
}
