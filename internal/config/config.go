package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is read from the environment. Every key has a default so local runs
// and tests only set what they change.
type Config struct {
	ServiceName string
	LogLevel    string
	RunLocal    bool
	ListenAddr  string

	ProductsTable        string
	ShardsTable          string
	HoldsTable           string
	OrdersTable          string
	EventsTable          string
	HoldsStatusIndex     string
	HoldsRestockIndex    string
	OrdersReferenceIndex string

	NotificationsQueueURL string
	MetricsNamespace      string
	JaegerEndpoint        string

	StripeAPIKey        string
	StripeWebhookSecret string

	HoldTTL             time.Duration
	EventTTL            time.Duration
	SweepBudget         time.Duration
	CheckoutParallelism int

	TaxRateBPS       int64
	ShippingFlat     int64
	FreeShippingOver int64
}

var defaults = map[string]any{
	"SERVICE_NAME": "sharded-checkout",
	"LOG_LEVEL":    "info",
	"RUN_LOCAL":    false,
	"LISTEN_ADDR":  ":8080",

	"PRODUCTS_TABLE":         "products",
	"STOCK_SHARDS_TABLE":     "stock_shards",
	"HOLDS_TABLE":            "holds",
	"ORDERS_TABLE":           "orders",
	"PROCESSED_EVENTS_TABLE": "processed_events",
	"HOLDS_STATUS_INDEX":     "status-expires_at-index",
	"HOLDS_RESTOCK_INDEX":    "status-restock_due_at-index",
	"ORDERS_REFERENCE_INDEX": "payment_reference-index",

	"NOTIFICATIONS_QUEUE_URL": "",
	"METRICS_NAMESPACE":       "ShardedCheckout",
	"JAEGER_ENDPOINT":         "",

	"STRIPE_API_KEY":        "",
	"STRIPE_WEBHOOK_SECRET": "",

	"HOLD_TTL":             "15m",
	"EVENT_TTL":            "720h",
	"SWEEP_BUDGET":         "50s",
	"CHECKOUT_PARALLELISM": 4,

	"TAX_RATE_BPS":       0,
	"SHIPPING_FLAT":      0,
	"FREE_SHIPPING_OVER": 0,
}

// Load reads the configuration for service from the environment.
func Load(service string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetDefault("SERVICE_NAME", service)
	v.AutomaticEnv()

	cfg := &Config{
		ServiceName: v.GetString("SERVICE_NAME"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		RunLocal:    v.GetBool("RUN_LOCAL"),
		ListenAddr:  v.GetString("LISTEN_ADDR"),

		ProductsTable:        v.GetString("PRODUCTS_TABLE"),
		ShardsTable:          v.GetString("STOCK_SHARDS_TABLE"),
		HoldsTable:           v.GetString("HOLDS_TABLE"),
		OrdersTable:          v.GetString("ORDERS_TABLE"),
		EventsTable:          v.GetString("PROCESSED_EVENTS_TABLE"),
		HoldsStatusIndex:     v.GetString("HOLDS_STATUS_INDEX"),
		HoldsRestockIndex:    v.GetString("HOLDS_RESTOCK_INDEX"),
		OrdersReferenceIndex: v.GetString("ORDERS_REFERENCE_INDEX"),

		NotificationsQueueURL: v.GetString("NOTIFICATIONS_QUEUE_URL"),
		MetricsNamespace:      v.GetString("METRICS_NAMESPACE"),
		JaegerEndpoint:        v.GetString("JAEGER_ENDPOINT"),

		StripeAPIKey:        v.GetString("STRIPE_API_KEY"),
		StripeWebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),

		HoldTTL:             v.GetDuration("HOLD_TTL"),
		EventTTL:            v.GetDuration("EVENT_TTL"),
		SweepBudget:         v.GetDuration("SWEEP_BUDGET"),
		CheckoutParallelism: v.GetInt("CHECKOUT_PARALLELISM"),

		TaxRateBPS:       v.GetInt64("TAX_RATE_BPS"),
		ShippingFlat:     v.GetInt64("SHIPPING_FLAT"),
		FreeShippingOver: v.GetInt64("FREE_SHIPPING_OVER"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	for name, val := range map[string]string{
		"PRODUCTS_TABLE":         c.ProductsTable,
		"STOCK_SHARDS_TABLE":     c.ShardsTable,
		"HOLDS_TABLE":            c.HoldsTable,
		"ORDERS_TABLE":           c.OrdersTable,
		"PROCESSED_EVENTS_TABLE": c.EventsTable,
	} {
		if val == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}
	if c.HoldTTL <= 0 {
		errs = append(errs, fmt.Errorf("HOLD_TTL must be positive, got %s", c.HoldTTL))
	}
	if c.SweepBudget <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_BUDGET must be positive, got %s", c.SweepBudget))
	}
	if c.TaxRateBPS < 0 || c.ShippingFlat < 0 || c.FreeShippingOver < 0 {
		errs = append(errs, errors.New("pricing settings must not be negative"))
	}
	return errors.Join(errs...)
}
