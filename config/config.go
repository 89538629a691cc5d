// Package config holds the tunables of a replica and loads them from
// flags, SHEETMESH_* environment variables and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"sheetmesh/client"
	"sheetmesh/discovery"
	"sheetmesh/syncpoint"
)

// EnvPrefix prefixes every environment variable, e.g. SHEETMESH_DOMAIN.
const EnvPrefix = "SHEETMESH"

type Config struct {
	Domain string `validate:"required,excludesall=:/@"`
	// Service is "users" or "sheets".
	Service string `validate:"oneof=users sheets"`
	Addr    string `validate:"required"`
	// AdvertiseAddr is the URI announced to peers; empty means the bound
	// address.
	AdvertiseAddr string
	MetricsAddr   string
	Codec         string `validate:"oneof=json msgpack"`
	LogLevel      string `validate:"oneof=debug info warn error"`

	Discovery       string `validate:"oneof=multicast etcd"`
	Group           string `validate:"required_if=Discovery multicast"`
	AnnouncePeriod  time.Duration `validate:"gt=0"`
	AnnounceTimeout time.Duration `validate:"gt=0"`

	Log           string `validate:"oneof=memory etcd"`
	EtcdEndpoints string
	EtcdPrefix    string

	MaxRetries     int           `validate:"gt=0"`
	RetryPeriod    time.Duration `validate:"gte=0"`
	CallTimeout    time.Duration `validate:"gt=0"`
	RequestTimeout time.Duration `validate:"gt=0"`
	ResultHorizon  int           `validate:"gt=0"`
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64 `validate:"gte=0"`
	RateBurst int     `validate:"gte=0"`
}

func Default() Config {
	return Config{
		Service:         "sheets",
		Addr:            "127.0.0.1:0",
		Codec:           "msgpack",
		LogLevel:        "info",
		Discovery:       "multicast",
		Group:           discovery.DefaultGroup,
		AnnouncePeriod:  discovery.DefaultAnnouncePeriod,
		AnnounceTimeout: discovery.DefaultAnnounceTimeout,
		Log:             "etcd",
		EtcdEndpoints:   "127.0.0.1:2379",
		EtcdPrefix:      "/sheetmesh",
		MaxRetries:      client.DefaultMaxRetries,
		RetryPeriod:     client.DefaultRetryPeriod,
		CallTimeout:     client.DefaultCallTimeout,
		RequestTimeout:  30 * time.Second,
		ResultHorizon:   syncpoint.DefaultResultHorizon,
	}
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if (c.Discovery == "etcd" || c.Log == "etcd") && len(discovery.EtcdEndpoints(c.EtcdEndpoints)) == 0 {
		return fmt.Errorf("invalid config: etcd selected but no etcd endpoints given")
	}
	if c.RequestTimeout >= c.CallTimeout {
		return fmt.Errorf("invalid config: request timeout %v must be below call timeout %v", c.RequestTimeout, c.CallTimeout)
	}
	return nil
}

// EtcdLogPrefix and EtcdEndpointsPrefix split EtcdPrefix between the log
// and the discovery keys.
func (c *Config) EtcdLogPrefix() string {
	return strings.TrimSuffix(c.EtcdPrefix, "/") + "/log"
}

func (c *Config) EtcdEndpointsPrefix() string {
	return strings.TrimSuffix(c.EtcdPrefix, "/") + "/endpoints"
}

// Opt is one setting exposed as a flag.
type Opt struct {
	DestP any
	Flag  string
	Desc  string
}

// Opts lists the settings of c. Defaults are the current values of c.
func (c *Config) Opts() []Opt {
	return []Opt{
		{&c.Domain, "domain", "domain this replica serves"},
		{&c.Service, "service", "service to run: users or sheets"},
		{&c.Addr, "addr", "RPC listen address"},
		{&c.AdvertiseAddr, "advertise-addr", "address announced to peers (defaults to the bound address)"},
		{&c.MetricsAddr, "metrics-addr", "address serving /metrics; empty disables it"},
		{&c.Codec, "codec", "RPC body codec: json or msgpack"},
		{&c.LogLevel, "log-level", "log level: debug, info, warn or error"},
		{&c.Discovery, "discovery", "discovery backend: multicast or etcd"},
		{&c.Group, "group", "multicast group for announcements"},
		{&c.AnnouncePeriod, "announce-period", "interval between announcements"},
		{&c.AnnounceTimeout, "announce-timeout", "how long to wait for peers to be announced"},
		{&c.Log, "log", "replication log: etcd, or memory for a node given a shared log"},
		{&c.EtcdEndpoints, "etcd-endpoints", "comma separated etcd endpoints"},
		{&c.EtcdPrefix, "etcd-prefix", "root of every etcd key"},
		{&c.MaxRetries, "max-retries", "attempts per endpoint while it is unreachable"},
		{&c.RetryPeriod, "retry-period", "pause between attempts"},
		{&c.CallTimeout, "call-timeout", "timeout of one RPC attempt; must exceed request-timeout"},
		{&c.RequestTimeout, "request-timeout", "server side deadline of a request"},
		{&c.ResultHorizon, "result-horizon", "how many versions an uncollected write result is kept"},
		{&c.RateLimit, "rate-limit", "requests per second; 0 disables limiting"},
		{&c.RateBurst, "rate-burst", "burst allowed above the rate limit"},
	}
}

// Bind registers opts on fs and binds them to v. Environment variables
// use EnvPrefix with dashes turned into underscores.
func Bind(fs *pflag.FlagSet, v *viper.Viper, opts []Opt) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, o := range opts {
		switch destP := o.DestP.(type) {
		case *string:
			fs.StringVar(destP, o.Flag, *destP, o.Desc)
		case *int:
			fs.IntVar(destP, o.Flag, *destP, o.Desc)
		case *float64:
			fs.Float64Var(destP, o.Flag, *destP, o.Desc)
		case *time.Duration:
			fs.DurationVar(destP, o.Flag, *destP, o.Desc)
		default:
			return fmt.Errorf("flag %s: unsupported type %T", o.Flag, o.DestP)
		}
		if err := v.BindPFlag(o.Flag, fs.Lookup(o.Flag)); err != nil {
			return err
		}
	}
	return nil
}

// Load reads file, if any, and stores the resolved value of every opt:
// flags set on the command line win over the environment, which wins over
// the file, which wins over the defaults.
func Load(v *viper.Viper, opts []Opt, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
	}
	for _, o := range opts {
		switch destP := o.DestP.(type) {
		case *string:
			*destP = v.GetString(o.Flag)
		case *int:
			*destP = v.GetInt(o.Flag)
		case *float64:
			*destP = v.GetFloat64(o.Flag)
		case *time.Duration:
			*destP = v.GetDuration(o.Flag)
		}
	}
	return nil
}
