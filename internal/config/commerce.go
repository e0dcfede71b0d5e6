package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// CommerceConfig holds per-site commerce settings.
type CommerceConfig struct {
	DefaultCurrency string       `mapstructure:"default_currency"`
	Sites           []SiteConfig `mapstructure:"sites"`
}

// SiteConfig configures currencies, tax and the payment gateway of one site.
type SiteConfig struct {
	ID              int64         `mapstructure:"id"`
	DefaultCurrency string        `mapstructure:"default_currency"`
	Currencies      []string      `mapstructure:"currencies"`
	Gateway         GatewayConfig `mapstructure:"gateway"`
	Tax             TaxConfig     `mapstructure:"tax"`
}

// TaxConfig is the flat tax policy of a site. An empty rate disables tax.
type TaxConfig struct {
	Code string `mapstructure:"code"`
	// Mode is "exclusive" (added on top of prices) or "inclusive".
	Mode string `mapstructure:"mode"`
	// Rate is a fraction, "0.2" for 20%.
	Rate string `mapstructure:"rate"`
}

// GatewayConfig carries provider credentials. Only the fields used by the
// configured provider need to be set.
type GatewayConfig struct {
	Provider       string `mapstructure:"provider"`
	SecretKey      string `mapstructure:"secret_key"`
	APILoginID     string `mapstructure:"api_login_id"`
	TransactionKey string `mapstructure:"transaction_key"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	Sandbox        bool   `mapstructure:"sandbox"`
	Endpoint       string `mapstructure:"endpoint"`
}

// SiteCurrencies is the currency view of a site used by price resolution.
type SiteCurrencies struct {
	Default   string
	Available []string
}

// Supports reports whether currency is configured for the site.
func (s SiteCurrencies) Supports(currency string) bool {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	for _, c := range s.Available {
		if strings.ToUpper(c) == currency {
			return true
		}
	}
	return false
}

func DefaultCommerceConfig() CommerceConfig {
	return CommerceConfig{DefaultCurrency: "USD"}
}

// Site returns the settings of siteID.
func (c CommerceConfig) Site(siteID int64) (SiteConfig, bool) {
	for _, site := range c.Sites {
		if site.ID == siteID {
			return site, true
		}
	}
	return SiteConfig{}, false
}

// Currencies returns the currency view of siteID, falling back to the global
// default for unknown sites.
func (c CommerceConfig) Currencies(siteID int64) SiteCurrencies {
	site, ok := c.Site(siteID)
	if !ok {
		def := strings.ToUpper(c.DefaultCurrency)
		return SiteCurrencies{Default: def, Available: []string{def}}
	}
	available := make([]string, 0, len(site.Currencies))
	for _, cur := range site.Currencies {
		available = append(available, strings.ToUpper(strings.TrimSpace(cur)))
	}
	return SiteCurrencies{Default: strings.ToUpper(site.DefaultCurrency), Available: available}
}

type CommerceConfigHolder struct {
	current atomic.Value // holds CommerceConfig
}

// NewStaticCommerceConfigHolder wraps a fixed configuration.
func NewStaticCommerceConfigHolder(cfg CommerceConfig) *CommerceConfigHolder {
	holder := &CommerceConfigHolder{}
	holder.current.Store(normalizeCommerceConfig(cfg))
	return holder
}

// NewCommerceConfigHolder reads commerce.yml and reloads it on change. The last
// valid configuration is kept when a reload fails validation.
func NewCommerceConfigHolder(extraPath string) (*CommerceConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("commerce")
	v.SetConfigType("yml")
	if extraPath != "" {
		v.AddConfigPath(extraPath)
	}
	v.AddConfigPath("/etc/commerce")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COMMERCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		found = false
		v.SetDefault("commerce.default_currency", DefaultCommerceConfig().DefaultCurrency)
	}

	cfg, err := decodeCommerceConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &CommerceConfigHolder{}
	holder.current.Store(cfg)

	if found {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeCommerceConfig(v)
			if err != nil {
				log.Printf("[commerce-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[commerce-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func (h *CommerceConfigHolder) Get() CommerceConfig {
	return h.current.Load().(CommerceConfig)
}

func decodeCommerceConfig(v *viper.Viper) (CommerceConfig, error) {
	var cfg CommerceConfig
	if err := v.UnmarshalKey("commerce", &cfg); err != nil {
		return CommerceConfig{}, err
	}
	cfg = normalizeCommerceConfig(cfg)
	if err := validateCommerceConfig(cfg); err != nil {
		return CommerceConfig{}, err
	}
	return cfg, nil
}

func normalizeCommerceConfig(cfg CommerceConfig) CommerceConfig {
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = DefaultCommerceConfig().DefaultCurrency
	}
	for i := range cfg.Sites {
		site := &cfg.Sites[i]
		site.DefaultCurrency = strings.ToUpper(strings.TrimSpace(site.DefaultCurrency))
		if site.DefaultCurrency == "" {
			site.DefaultCurrency = cfg.DefaultCurrency
		}
		site.Gateway.Provider = strings.ToLower(strings.TrimSpace(site.Gateway.Provider))
		site.Tax.Code = strings.ToUpper(strings.TrimSpace(site.Tax.Code))
		site.Tax.Mode = strings.ToLower(strings.TrimSpace(site.Tax.Mode))
		site.Tax.Rate = strings.TrimSpace(site.Tax.Rate)
		if site.Tax.Rate != "" && site.Tax.Mode == "" {
			site.Tax.Mode = "exclusive"
		}
	}
	return cfg
}

func validateCommerceConfig(cfg CommerceConfig) error {
	seen := map[int64]struct{}{}
	for _, site := range cfg.Sites {
		if site.ID == 0 {
			return errors.New("commerce.sites[].id is required")
		}
		if _, ok := seen[site.ID]; ok {
			return fmt.Errorf("commerce.sites: duplicate site id %d", site.ID)
		}
		seen[site.ID] = struct{}{}
		currencies := SiteCurrencies{Default: site.DefaultCurrency, Available: site.Currencies}
		if !currencies.Supports(site.DefaultCurrency) {
			return fmt.Errorf("commerce.sites[%d]: default currency %s is not in currencies", site.ID, site.DefaultCurrency)
		}
		if site.Gateway.Provider == "" {
			return fmt.Errorf("commerce.sites[%d]: gateway.provider is required", site.ID)
		}
		if err := validateTaxConfig(site.Tax); err != nil {
			return fmt.Errorf("commerce.sites[%d]: %w", site.ID, err)
		}
	}
	return nil
}

func validateTaxConfig(tax TaxConfig) error {
	if tax.Rate == "" {
		return nil
	}
	rate, err := decimal.NewFromString(tax.Rate)
	if err != nil {
		return fmt.Errorf("tax.rate %q: %w", tax.Rate, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("tax.rate %s must be in [0, 1)", tax.Rate)
	}
	if tax.Mode != "exclusive" && tax.Mode != "inclusive" {
		return fmt.Errorf("tax.mode %q must be exclusive or inclusive", tax.Mode)
	}
	return nil
}
