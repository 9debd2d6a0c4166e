package catalog

import (
	"fmt"
	"log/slog"

	"creatorpay/internal/payments"
	"creatorpay/internal/providers"
	"creatorpay/internal/providers/fake"
	"creatorpay/internal/providers/httpadapter"
	"creatorpay/internal/providers/natsadapter"
)

// BuildProviders constructs an adapter for every provider with an adapter
// entry. Providers without one stay unreachable and are skipped at attempt
// time. nc may be nil when no provider uses the nats transport.
func (c *Catalog) BuildProviders(getenv func(string) string, nc natsadapter.Requester, logger *slog.Logger) (*providers.Set, error) {
	set := providers.NewSet()
	for _, d := range c.Providers {
		ad, ok := c.Adapters[d.ID]
		if !ok {
			continue
		}

		var adapter interface {
			providers.PaymentProvider
			providers.PayoutProvider
		}
		switch ad.Transport {
		case TransportHTTP:
			var apiKey string
			if ad.APIKeyEnv != "" {
				apiKey = getenv(ad.APIKeyEnv)
			}
			adapter = httpadapter.New(httpadapter.Config{
				ID:             d.ID,
				BaseURL:        ad.BaseURL,
				APIKey:         apiKey,
				Timeout:        ad.Timeout,
				RequiredFields: ad.RequiredFields,
			}, logger)
		case TransportNATS:
			if nc == nil {
				return nil, fmt.Errorf("adapter %s: nats transport configured but no NATS connection", d.ID)
			}
			adapter = natsadapter.New(natsadapter.Config{ID: d.ID, RequestTimeout: ad.Timeout}, nc, logger)
		case TransportFake:
			adapter = fake.New(d.ID)
		}

		if err := add(set, d.Kind, adapter); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// FakeProviders wires an in-memory fake for every provider, for local runs.
func (c *Catalog) FakeProviders() *providers.Set {
	set := providers.NewSet()
	for _, d := range c.Providers {
		_ = add(set, d.Kind, fake.New(d.ID))
	}
	return set
}

func add(set *providers.Set, kind payments.ProviderKind, adapter interface {
	providers.PaymentProvider
	providers.PayoutProvider
}) error {
	if kind == payments.KindPayout {
		return set.AddPayout(adapter)
	}
	return set.AddPayment(adapter)
}

// UsesNATS reports whether any adapter needs a NATS connection.
func (c *Catalog) UsesNATS() bool {
	for _, ad := range c.Adapters {
		if ad.Transport == TransportNATS {
			return true
		}
	}
	return false
}
