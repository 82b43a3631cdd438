package bitcoin

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    btcutil.Amount
		wantErr bool
	}{
		{"0.015", 1_500_000, false},
		{"1", btcutil.SatoshiPerBitcoin, false},
		{"0.00000001", 1, false},
		{"0", 0, false},
		{"0.000000001", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"21000001", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
