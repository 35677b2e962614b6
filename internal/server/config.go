package server

import (
	"net/http"
	"strconv"
	"time"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer     *http.Server
	clientURL      string
	requestTimeout time.Duration
	afterShutdown  []func()
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host           string        `env:"HOST" envDefault:"0.0.0.0"`
	Port           uint16        `env:"PORT" envDefault:"5000"`
	ClientURL      string        `env:"CLIENT_URL" envDefault:"http://localhost:3000"`
	Environment    string        `env:"ENVIRONMENT" envDefault:"development"`
	StoreDriver    string        `env:"STORE_DRIVER" envDefault:"postgres"`
	BadgerPath     string        `env:"BADGER_PATH" envDefault:"data/badger"`
	StorageTimeout time.Duration `env:"STORAGE_TIMEOUT" envDefault:"5s"`
	JWTSecret      string        `env:"JWT_SECRET" envDefault:"nextalk-dev-secret"`
	JWTTTL         time.Duration `env:"JWT_TTL" envDefault:"168h"`
}

// Production reports whether the service runs with production logging
func (c EnvConfig) Production() bool {
	return c.Environment == "production"
}

// WithEnvConfig enables processing exported EnvConfig struct to act as a source of config parameters for http.Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
		c.clientURL = cfg.ClientURL
	})
}

// AllowOrigin sets the browser origin trusted by CORS and the websocket upgrader. "*" trusts any origin.
func AllowOrigin(origin string) Option {
	return optionFunc(func(c *config) {
		c.clientURL = origin
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// RequestTimeout bounds the context of every /api request
func RequestTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.requestTimeout = d
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}
