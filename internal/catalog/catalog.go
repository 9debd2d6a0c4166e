// Package catalog loads the provider catalog: descriptors, routing chains,
// webhook signature schemes and adapter wiring.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"creatorpay/internal/payments"
	"creatorpay/internal/registry"
	"creatorpay/internal/routing"
	"creatorpay/internal/webhook"
)

//go:embed default.yaml
var defaultCatalog []byte

// Adapter transports.
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
	TransportFake = "fake"
)

// Catalog is the parsed provider catalog.
type Catalog struct {
	HighValueThreshold int64                         `yaml:"high_value_threshold"`
	Providers          []payments.ProviderDescriptor `yaml:"providers"`
	Routes             map[string][]string           `yaml:"routes"`
	Webhooks           map[string]WebhookSpec        `yaml:"webhooks"`
	Adapters           map[string]AdapterSpec        `yaml:"adapters"`
}

// WebhookSpec is a provider's signature scheme and where its secret lives.
type WebhookSpec struct {
	webhook.Scheme `yaml:",inline"`
	SecretEnv      string `yaml:"secret_env"`
}

// AdapterSpec says how to reach a provider.
type AdapterSpec struct {
	Transport      string                       `yaml:"transport"`
	BaseURL        string                       `yaml:"base_url"`
	APIKeyEnv      string                       `yaml:"api_key_env"`
	Timeout        time.Duration                `yaml:"timeout"`
	RequiredFields map[payments.Method][]string `yaml:"required_fields"`
}

// Load parses and validates a catalog. Unknown keys are rejected.
func Load(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile loads a catalog from path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Load(bytes.NewReader(defaultCatalog))
}

// Validate checks descriptors, chains, webhook schemes and adapters agree.
func (c *Catalog) Validate() error {
	reg, err := c.Registry()
	if err != nil {
		return err
	}
	if _, err := c.Table(); err != nil {
		return err
	}

	for key, chain := range c.Routes {
		want := payments.KindPayment
		if strings.HasPrefix(key, "payout_") {
			want = payments.KindPayout
		}
		for _, id := range chain {
			d, ok := reg.Get(id)
			if !ok {
				return fmt.Errorf("route %s: unknown provider %s", key, id)
			}
			if d.Kind != want {
				return fmt.Errorf("route %s: provider %s is a %s provider", key, id, d.Kind)
			}
		}
	}

	for id, spec := range c.Webhooks {
		if _, ok := reg.Get(id); !ok {
			return fmt.Errorf("webhook scheme for unknown provider %s", id)
		}
		if err := spec.Scheme.Validate(); err != nil {
			return fmt.Errorf("webhook scheme for %s: %w", id, err)
		}
	}

	for id, spec := range c.Adapters {
		if _, ok := reg.Get(id); !ok {
			return fmt.Errorf("adapter for unknown provider %s", id)
		}
		switch spec.Transport {
		case TransportHTTP:
			if spec.BaseURL == "" {
				return fmt.Errorf("adapter %s: base_url is required for http transport", id)
			}
		case TransportNATS, TransportFake:
		default:
			return fmt.Errorf("adapter %s: unknown transport %q", id, spec.Transport)
		}
	}
	return nil
}

// Registry builds the descriptor registry.
func (c *Catalog) Registry() (*registry.Registry, error) {
	return registry.New(c.Providers...)
}

// Table builds the routing table.
func (c *Catalog) Table() (*routing.Table, error) {
	return routing.NewTable(c.Routes, c.HighValueThreshold)
}

// Schemes returns the webhook signature schemes keyed by provider ID.
func (c *Catalog) Schemes() map[string]webhook.Scheme {
	out := make(map[string]webhook.Scheme, len(c.Webhooks))
	for id, spec := range c.Webhooks {
		out[id] = spec.Scheme
	}
	return out
}

// Secrets resolves webhook secrets through getenv on every call, so rotated
// secrets take effect without a restart when getenv reads live state.
func (c *Catalog) Secrets(getenv func(string) string) webhook.Secrets {
	return func(providerID string) string {
		spec, ok := c.Webhooks[providerID]
		if !ok || spec.SecretEnv == "" {
			return ""
		}
		return getenv(spec.SecretEnv)
	}
}
