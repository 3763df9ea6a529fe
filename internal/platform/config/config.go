package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile         = ".env"
	defaultPort            = "8080"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultEnvironment     = "local"
	defaultStoreDriver     = StoreDriverFile
	defaultStoreDir        = ".data/carts"
	defaultSQLitePath      = ".data/carts.db"
	defaultRedisPrefix     = "storefront:"
	defaultRedisChannel    = "cart-slots:changed"
	defaultCollection      = "cartSlots"
	defaultSlotKey         = "cart-storage"
	defaultLegacyKey       = "nn_hair_cart"
	defaultCartIdleTTL     = 30 * time.Minute
	defaultMaxValueBytes   = 5 << 20
	defaultCurrency        = "ZAR"
	defaultSupabaseTimeout = 10 * time.Second
	defaultCookieName      = "nn_cart_session"
	defaultSessionHeader   = "X-Cart-Session"
	defaultSessionMaxAge   = 30 * 24 * time.Hour
	defaultSecretsFallback = ".secrets.local"
	defaultReplayTTL       = 24 * time.Hour
)

// Store drivers accepted by STOREFRONT_STORE_DRIVER.
const (
	StoreDriverMemory    = "memory"
	StoreDriverFile      = "file"
	StoreDriverSQLite    = "sqlite"
	StoreDriverRedis     = "redis"
	StoreDriverFirestore = "firestore"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Store       StoreConfig
	Pricing     PricingConfig
	Supabase    SupabaseConfig
	Session     SessionConfig
	Orders      OrdersConfig
	Secrets     SecretsConfig
	Build       BuildConfig
}

// OrdersConfig controls what happens around a placed order.
type OrdersConfig struct {
	// Topic receives an order.placed message per order when set.
	Topic     string
	ProjectID string
	// ReplayTTL is how long a checkout response is replayed for a repeated Idempotency-Key.
	ReplayTTL time.Duration
}

// SecretsConfig resolves secret:// values such as Supabase.APIKey and Store.Redis.Password.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// BuildConfig carries release metadata reported by the health endpoints.
type BuildConfig struct {
	Version   string
	CommitSHA string
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// StoreConfig selects and configures the cart slot store.
type StoreConfig struct {
	Driver        string
	Dir           string
	SQLitePath    string
	Redis         RedisConfig
	Firestore     FirestoreConfig
	SlotKey       string
	LegacyKey     string
	MaxValueBytes int
	// Watch relays writes made by other processes into local change events.
	Watch bool
	// Retention purges sqlite slots idle for longer than this; zero keeps them.
	Retention time.Duration
	// IdleTTL closes in-memory carts unused for longer than this. Storage keeps them.
	IdleTTL time.Duration
}

// RedisConfig holds connection settings for the redis driver.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Channel  string
	TTL      time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	Collection   string
}

// PricingConfig adjusts the cart pricing policy.
type PricingConfig struct {
	ChargeShippingOnEmpty bool
	Currency              string
}

// SupabaseConfig points at the PostgREST API used for catalog lookups and orders.
type SupabaseConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Enabled reports whether a Supabase project is configured.
func (c SupabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// SessionConfig controls how cart sessions are identified.
type SessionConfig struct {
	CookieName string
	HeaderName string
	Secure     bool
	MaxAge     time.Duration
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.LookupEnv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the configuration from defaults, the .env file, environment variables and an
// explicit map, later sources winning.
func Load(_ context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "STOREFRONT_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "STOREFRONT_SERVER_PORT", stringWithDefault(lookup, "PORT", defaultPort)),
			ReadTimeout:     durationWithDefault(lookup, "STOREFRONT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "STOREFRONT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "STOREFRONT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "STOREFRONT_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(stringWithDefault(lookup, "STOREFRONT_STORE_DRIVER", defaultStoreDriver)),
			Dir:        stringWithDefault(lookup, "STOREFRONT_STORE_DIR", defaultStoreDir),
			SQLitePath: stringWithDefault(lookup, "STOREFRONT_STORE_SQLITE_PATH", defaultSQLitePath),
			Redis: RedisConfig{
				Addr:     stringWithDefault(lookup, "STOREFRONT_REDIS_ADDR", ""),
				Password: stringWithDefault(lookup, "STOREFRONT_REDIS_PASSWORD", ""),
				DB:       intWithDefault(lookup, "STOREFRONT_REDIS_DB", 0),
				Prefix:   stringWithDefault(lookup, "STOREFRONT_REDIS_PREFIX", defaultRedisPrefix),
				Channel:  stringWithDefault(lookup, "STOREFRONT_REDIS_CHANNEL", defaultRedisChannel),
				TTL:      durationWithDefault(lookup, "STOREFRONT_REDIS_TTL", 0),
			},
			Firestore: FirestoreConfig{
				ProjectID:    stringWithDefault(lookup, "STOREFRONT_FIRESTORE_PROJECT_ID", stringWithDefault(lookup, "GOOGLE_CLOUD_PROJECT", "")),
				EmulatorHost: stringWithDefault(lookup, "STOREFRONT_FIRESTORE_EMULATOR_HOST", ""),
				Collection:   stringWithDefault(lookup, "STOREFRONT_FIRESTORE_COLLECTION", defaultCollection),
			},
			SlotKey:       stringWithDefault(lookup, "STOREFRONT_CART_SLOT_KEY", defaultSlotKey),
			LegacyKey:     stringWithDefault(lookup, "STOREFRONT_CART_LEGACY_KEY", defaultLegacyKey),
			MaxValueBytes: intWithDefault(lookup, "STOREFRONT_STORE_MAX_VALUE_BYTES", defaultMaxValueBytes),
			Watch:         boolWithDefault(lookup, "STOREFRONT_STORE_WATCH", true),
			Retention:     durationWithDefault(lookup, "STOREFRONT_STORE_RETENTION", 0),
			IdleTTL:       durationWithDefault(lookup, "STOREFRONT_CART_IDLE_TTL", defaultCartIdleTTL),
		},
		Pricing: PricingConfig{
			ChargeShippingOnEmpty: boolWithDefault(lookup, "STOREFRONT_PRICING_SHIPPING_ON_EMPTY", false),
			Currency:              strings.ToUpper(stringWithDefault(lookup, "STOREFRONT_PRICING_CURRENCY", defaultCurrency)),
		},
		Supabase: SupabaseConfig{
			URL:     strings.TrimRight(stringWithDefault(lookup, "STOREFRONT_SUPABASE_URL", ""), "/"),
			APIKey:  stringWithDefault(lookup, "STOREFRONT_SUPABASE_API_KEY", ""),
			Timeout: durationWithDefault(lookup, "STOREFRONT_SUPABASE_TIMEOUT", defaultSupabaseTimeout),
		},
		Session: SessionConfig{
			CookieName: stringWithDefault(lookup, "STOREFRONT_SESSION_COOKIE", defaultCookieName),
			HeaderName: stringWithDefault(lookup, "STOREFRONT_SESSION_HEADER", defaultSessionHeader),
			Secure:     boolWithDefault(lookup, "STOREFRONT_SESSION_SECURE", false),
			MaxAge:     durationWithDefault(lookup, "STOREFRONT_SESSION_MAX_AGE", defaultSessionMaxAge),
		},
		Orders: OrdersConfig{
			Topic:     stringWithDefault(lookup, "STOREFRONT_ORDERS_TOPIC", ""),
			ProjectID: stringWithDefault(lookup, "STOREFRONT_ORDERS_PROJECT_ID", stringWithDefault(lookup, "GOOGLE_CLOUD_PROJECT", "")),
			ReplayTTL: durationWithDefault(lookup, "STOREFRONT_ORDERS_REPLAY_TTL", defaultReplayTTL),
		},
		Secrets: SecretsConfig{
			ProjectID:    stringWithDefault(lookup, "STOREFRONT_SECRETS_PROJECT_ID", stringWithDefault(lookup, "GOOGLE_CLOUD_PROJECT", "")),
			FallbackFile: stringWithDefault(lookup, "STOREFRONT_SECRETS_FALLBACK_FILE", defaultSecretsFallback),
		},
		Build: BuildConfig{
			Version:   stringWithDefault(lookup, "STOREFRONT_BUILD_VERSION", "dev"),
			CommitSHA: stringWithDefault(lookup, "STOREFRONT_BUILD_COMMIT_SHA", "unknown"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverFile:
		if strings.TrimSpace(cfg.Store.Dir) == "" {
			missing = append(missing, "Store.Dir")
		}
	case StoreDriverSQLite:
		if strings.TrimSpace(cfg.Store.SQLitePath) == "" {
			missing = append(missing, "Store.SQLitePath")
		}
	case StoreDriverRedis:
		if strings.TrimSpace(cfg.Store.Redis.Addr) == "" {
			missing = append(missing, "Store.Redis.Addr")
		}
	case StoreDriverFirestore:
		if strings.TrimSpace(cfg.Store.Firestore.ProjectID) == "" {
			missing = append(missing, "Store.Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Store.Driver")
	}
	if strings.TrimSpace(cfg.Store.SlotKey) == "" {
		missing = append(missing, "Store.SlotKey")
	}
	if cfg.Store.LegacyKey != "" && cfg.Store.LegacyKey == cfg.Store.SlotKey {
		missing = append(missing, "Store.LegacyKey")
	}
	if cfg.Store.MaxValueBytes < 0 {
		missing = append(missing, "Store.MaxValueBytes")
	}
	if cfg.Store.Retention < 0 {
		missing = append(missing, "Store.Retention")
	}
	if cfg.Store.IdleTTL <= 0 {
		missing = append(missing, "Store.IdleTTL")
	}
	if cfg.Supabase.Enabled() && strings.TrimSpace(cfg.Supabase.APIKey) == "" {
		missing = append(missing, "Supabase.APIKey")
	}
	if strings.TrimSpace(cfg.Session.CookieName) == "" {
		missing = append(missing, "Session.CookieName")
	}
	if cfg.Orders.Topic != "" && cfg.Orders.ProjectID == "" {
		missing = append(missing, "Orders.ProjectID")
	}
	if cfg.Orders.ReplayTTL <= 0 {
		missing = append(missing, "Orders.ReplayTTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	values, err := godotenv.Read(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
