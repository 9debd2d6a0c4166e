package catalog

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creatorpay/internal/common/money"
	"creatorpay/internal/payments"
	"creatorpay/internal/routing"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	reg, err := c.Registry()
	require.NoError(t, err)
	paxum, ok := reg.Get("paxum")
	require.True(t, ok)
	assert.Equal(t, payments.KindPayout, paxum.Kind)
	assert.Equal(t, int64(2000), paxum.MinAmountMinor)

	table, err := c.Table()
	require.NoError(t, err)
	assert.Equal(t, []string{"paxum", "ipayout", "wise", "checkbook"},
		table.Resolve(routing.Request{Kind: payments.KindPayout, Currency: money.USD}))

	assert.Len(t, c.Schemes(), 6)
}

const minimal = `
high_value_threshold: 5000
providers:
  - {id: a, kind: payment, method: card, currencies: [USD], fee_basis_points: 100}
  - {id: p, kind: payout, method: bank, currencies: [USD], fee_basis_points: 100}
routes:
  default: [a]
  payout_global: [p]
`

func TestLoad_Minimal(t *testing.T) {
	c, err := Load(strings.NewReader(minimal))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), c.HighValueThreshold)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		extra string
	}{
		{"unknown field", "bogus: true\n"},
		{"route to unknown provider", "  card: [zzz]\n"},
		{"payout chain with payment provider", "  payout_usd: [a]\n"},
		{"webhook for unknown provider", "webhooks:\n  zzz: {header: X, algorithm: sha256, encoding: hex}\n"},
		{"bad webhook algorithm", "webhooks:\n  a: {header: X, algorithm: md5, encoding: hex}\n"},
		{"http adapter without url", "adapters:\n  a: {transport: http}\n"},
		{"unknown transport", "adapters:\n  a: {transport: carrier_pigeon}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(minimal + tt.extra))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingDefaultChain(t *testing.T) {
	doc := strings.Replace(minimal, "  default: [a]\n", "", 1)
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestSecrets(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	secrets := c.Secrets(func(k string) string {
		if k == "WEBHOOK_SECRET_PAXUM" {
			return "s3cr3t"
		}
		return ""
	})
	assert.Equal(t, "s3cr3t", secrets("paxum"))
	assert.Equal(t, "", secrets("wise"))
	assert.Equal(t, "", secrets("unknown"))
}

func TestBuildProviders(t *testing.T) {
	doc := minimal + `adapters:
  a: {transport: http, base_url: "http://localhost:9", api_key_env: A_KEY}
  p: {transport: fake}
`
	c, err := Load(strings.NewReader(doc))
	require.NoError(t, err)

	set, err := c.BuildProviders(func(string) string { return "k" }, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, ok := set.Payment("a")
	assert.True(t, ok)
	_, ok = set.Payout("p")
	assert.True(t, ok)
	assert.False(t, c.UsesNATS())

	natsDoc := minimal + "adapters:\n  p: {transport: nats}\n"
	c, err = Load(strings.NewReader(natsDoc))
	require.NoError(t, err)
	_, err = c.BuildProviders(func(string) string { return "" }, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestFakeProviders(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	set := c.FakeProviders()
	assert.Len(t, set.IDs(), len(c.Providers))
}
