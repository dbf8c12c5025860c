package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/nasa-jpl/pemsrv/coherent"
	"github.com/nasa-jpl/pemsrv/generichttp"
	"github.com/nasa-jpl/pemsrv/server"
	"github.com/nasa-jpl/pemsrv/server/middleware/locker"
)

// DeviceConfig holds the connection parameters of the meter
type DeviceConfig struct {
	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:2006 for a device connected to port 6
	// on a digi portserver, or /dev/ttyACM0 for the meter's USB port
	Addr string `koanf:"addr" yaml:"addr"`

	// Serial determines if the connection is serial (True) or TCP (False)
	Serial bool `koanf:"serial" yaml:"serial"`

	Baud int `koanf:"baud" yaml:"baud"`

	// ReadTimeout bounds the wait for each reply
	ReadTimeout time.Duration `koanf:"readtimeout" yaml:"readtimeout"`

	// IdleTimeout closes the port after this long without traffic, zero keeps it open
	IdleTimeout time.Duration `koanf:"idletimeout" yaml:"idletimeout"`

	// RateLimit is the maximum number of exchanges per second, zero is unlimited
	RateLimit float64 `koanf:"ratelimit" yaml:"ratelimit"`
}

// PollConfig controls the history of a PowerMax
type PollConfig struct {
	// Interval between readings, no polling if zero.  Rounded to whole seconds.
	Interval time.Duration `koanf:"interval" yaml:"interval"`

	// Depth is the number of readings kept
	Depth int `koanf:"depth" yaml:"depth"`
}

// LogConfig selects the logger
type LogConfig struct {
	// Development selects human readable console output over JSON
	Development bool `koanf:"development" yaml:"development"`

	// Level is debug, info, warn or error
	Level string `koanf:"level" yaml:"level"`
}

// Config is a struct that holds the initialization parameters of the server.
// It is to be populated by koanf.
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"addr"`

	// Endpoint is the URL stem the meter's routes are served under,
	// e.g. "omc/pem" gives /omc/pem/value
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	// Mock serves a simulated meter of this variant, EnergyMax or PowerMax,
	// instead of connecting to Device
	Mock string `koanf:"mock" yaml:"mock"`

	Device DeviceConfig `koanf:"device" yaml:"device"`
	Poll   PollConfig   `koanf:"poll" yaml:"poll"`
	Log    LogConfig    `koanf:"log" yaml:"log"`
}

// DefaultConfig is the configuration with no file or environment
func DefaultConfig() Config {
	return Config{
		Addr:     ":8000",
		Endpoint: "pem",
		Device: DeviceConfig{
			Addr:        "/dev/ttyACM0",
			Serial:      true,
			Baud:        coherent.DefaultBaud,
			ReadTimeout: coherent.DefaultReadTimeout,
			IdleTimeout: time.Minute,
		},
		Poll: PollConfig{
			Interval: time.Second,
			Depth:    coherent.DefaultHistoryDepth,
		},
		Log: LogConfig{Level: "info"},
	}
}

func loadLogConfig() LogConfig {
	c := DefaultConfig().Log
	k.Unmarshal("log", &c)
	return c
}

// NewLogger builds the process logger
func NewLogger(c LogConfig) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if c.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

// mockVariant resolves the mock config key, which must name a real family
func mockVariant(name string) (coherent.Variant, error) {
	var v coherent.Variant
	if err := v.UnmarshalText([]byte(name)); err != nil || v == coherent.VariantUnknown {
		return v, fmt.Errorf("mock must be EnergyMax or PowerMax, got %q", name)
	}
	return v, nil
}

// NewMeter builds the meter described by c, a simulated one if c.Mock is set
func NewMeter(c Config) *coherent.Meter {
	mc := coherent.Config{
		Addr:         c.Device.Addr,
		Serial:       c.Device.Serial,
		Baud:         c.Device.Baud,
		ReadTimeout:  c.Device.ReadTimeout,
		IdleTimeout:  c.Device.IdleTimeout,
		RateLimit:    c.Device.RateLimit,
		HistoryDepth: c.Poll.Depth,
	}
	if c.Mock != "" {
		v, err := mockVariant(c.Mock)
		if err != nil {
			zap.L().Fatal("bad mock", zap.Error(err))
		}
		mc.Addr = "mock-" + strings.ToLower(c.Mock)
		mc.Maker = coherent.NewMockInstrument(v).Maker()
	}
	return coherent.NewMeter(mc)
}

// BuildMux constructs a chi router serving the meter under c.Endpoint.
// The router also serves /endpoints, which returns a map of the endpoint
// to the list of its routes.
func BuildMux(c Config, m *coherent.Meter) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	httper := coherent.NewHTTPWrapper(m)
	lock := locker.New()
	locker.Inject(httper, lock)

	// "omc/pem" => "/omc/pem"
	hndlS := generichttp.SubMuxSanitize(c.Endpoint)
	supergraph := map[string][]string{hndlS: httper.RT().Endpoints()}

	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(hndlS, r)
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		server.EncodeJSON(w, r, supergraph)
	})
	return root
}
