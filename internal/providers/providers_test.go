package providers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creatorpay/internal/providers"
	"creatorpay/internal/providers/fake"
)

func TestSet(t *testing.T) {
	set := providers.NewSet()
	require.NoError(t, set.AddPayment(fake.New("stripe")))
	require.NoError(t, set.AddPayout(fake.New("paxum")))

	err := set.AddPayment(fake.New("stripe"))
	assert.ErrorIs(t, err, providers.ErrDuplicateAdapter)

	_, ok := set.Payment("stripe")
	assert.True(t, ok)
	_, ok = set.Payout("stripe")
	assert.False(t, ok)
	assert.Equal(t, []string{"paxum", "stripe"}, set.IDs())
}
