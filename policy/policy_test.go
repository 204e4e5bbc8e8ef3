package policy

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeeMsat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		policy   Policy
		amount   int64
		expected int64
	}{
		{
			name:     "proportional plus base",
			policy:   Policy{FeePPM: 5000, BaseFeeMsat: 10000},
			amount:   100000000,
			expected: 510000,
		},
		{
			name:     "rounds down",
			policy:   Policy{FeePPM: 10000, BaseFeeMsat: 0},
			amount:   199,
			expected: 1,
		},
		{
			name:     "defaults",
			policy:   Default(),
			amount:   1000000,
			expected: 10000 + 50000,
		},
		{
			name:     "zero fee policy",
			policy:   Policy{},
			amount:   123456789,
			expected: 0,
		},
		{
			name:     "large amount does not overflow",
			policy:   Policy{FeePPM: 10000},
			amount:   math.MaxInt64 / 100,
			expected: math.MaxInt64 / 100 / 100,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.expected, test.policy.FeeMsat(test.amount))
		})
	}
}

func TestValidateAmount(t *testing.T) {
	t.Parallel()
	p := Policy{MinAmountSats: 1, MaxAmountSats: 100}

	assert.NoError(t, p.ValidateAmount(1000))
	assert.NoError(t, p.ValidateAmount(100000))

	for _, amount := range []int64{0, 999, 100001, -1} {
		err := p.ValidateAmount(amount)
		assert.True(t, errors.Is(err, ErrAmountOutOfRange), "amount %d", amount)
	}
}

func TestValidatePendingCount(t *testing.T) {
	t.Parallel()
	p := Policy{MaxPendingPerUser: 10}

	assert.NoError(t, p.ValidatePendingCount(0))
	assert.NoError(t, p.ValidatePendingCount(9))
	assert.True(t, errors.Is(p.ValidatePendingCount(10), ErrPendingLimitExceeded))
	assert.True(t, errors.Is(p.ValidatePendingCount(11), ErrPendingLimitExceeded))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Default().Validate())

	broken := Default()
	broken.MaxAmountSats = 0
	assert.Error(t, broken.Validate())

	broken = Default()
	broken.FeePPM = -1
	assert.Error(t, broken.Validate())

	broken = Default()
	broken.MaxPendingPerUser = 0
	assert.Error(t, broken.Validate())
}

func TestInvoiceExpiryOrDefault(t *testing.T) {
	t.Parallel()
	p := Default()
	assert.Equal(t, time.Hour, p.InvoiceExpiryOrDefault(0))
	assert.Equal(t, time.Minute, p.InvoiceExpiryOrDefault(time.Minute))
}
