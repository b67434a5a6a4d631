// Package config loads the node configuration: defaults, then an optional
// TOML file, then environment overrides, then Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"dev.c0redev.radionode/internal/driver"
)

// Duration decodes "750ms" / "10s" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Node     NodeConfig     `toml:"node"`
	Log      LogConfig      `toml:"log"`
	Band     BandConfig     `toml:"band"`
	RF       RFConfig       `toml:"rf"`
	Serial   SerialConfig   `toml:"serial"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Neighbor NeighborConfig `toml:"neighbor"`
	Store    StoreConfig    `toml:"store"`
	Cloud    CloudConfig    `toml:"cloud"`
	Spool    SpoolConfig    `toml:"spool"`
}

type NodeConfig struct {
	ID           string `toml:"id"` // "" = generated, persisted under data_dir
	DataDir      string `toml:"data_dir"`
	Listen       string `toml:"listen"`
	DevEndpoints bool   `toml:"dev_endpoints"`
	// FanoutRawPayload adds data_b64 to fanned-out RF capsules.
	FanoutRawPayload bool `toml:"fanout_raw_payload"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console | json
}

type BandConfig struct {
	Profile     string `toml:"profile"`
	ProfileFile string `toml:"profile_file"`
}

type RFConfig struct {
	MaxIngressBytes           int      `toml:"max_ingress_bytes"`
	BeaconInterval            Duration `toml:"beacon_interval"` // 0 = off
	DispatchPolicy            string   `toml:"dispatch_policy"`
	AutoDisableMockOnRealLink bool     `toml:"auto_disable_mock_on_real_link"`
	MockEnabled               bool     `toml:"mock_enabled"`
	MockLoopback              bool     `toml:"mock_loopback"`
}

type SerialConfig struct {
	Device      string   `toml:"device"` // "" = no serial driver
	Baud        int      `toml:"baud"`
	Topic       string   `toml:"topic"`
	BackoffSeed Duration `toml:"backoff_seed"`
	BackoffMax  Duration `toml:"backoff_max"`
}

type BridgeConfig struct {
	Token        string   `toml:"token"`
	TokenNext    string   `toml:"token_next"`
	RequireSig   bool     `toml:"require_sig"`
	SigTolerance Duration `toml:"sig_tolerance"`
	StreamAddr   string   `toml:"stream_addr"` // TCP stream bridge; "" = off
	QUICAddr     string   `toml:"quic_addr"`   // QUIC stream bridge; "" = off
	PQ           bool     `toml:"pq"`
}

type LedgerConfig struct {
	Dir string   `toml:"dir"`
	TTL Duration `toml:"ttl"`
}

type NeighborConfig struct {
	TTL Duration `toml:"ttl"`
}

type StoreConfig struct {
	Backend    string `toml:"backend"` // dir | sqlite
	SQLitePath string `toml:"sqlite_path"`
}

type CloudConfig struct {
	Base  string     `toml:"base"` // "" = no HTTP forwarding
	Proxy string     `toml:"proxy"`
	MQTT  MQTTConfig `toml:"mqtt"`
}

type MQTTConfig struct {
	Broker   string `toml:"broker"` // "" = off; wins over cloud.base
	Topic    string `toml:"topic"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	QoS      int    `toml:"qos"`
}

type SpoolConfig struct {
	Dir      string   `toml:"dir"`
	MaxItems int      `toml:"max_items"`
	MaxBytes int64    `toml:"max_bytes"`
	TTL      Duration `toml:"ttl"`
	Interval Duration `toml:"interval"`
}

const (
	BackendDir    = "dir"
	BackendSQLite = "sqlite"
)

func Default() Config {
	return Config{
		Node: NodeConfig{DataDir: ".", Listen: ":8787", DevEndpoints: true},
		Log:  LogConfig{Level: "info", Format: "console"},
		Band: BandConfig{Profile: "NA-915", ProfileFile: "band_profile.yml"},
		RF: RFConfig{
			MaxIngressBytes:           512 * 1024,
			BeaconInterval:            Duration{10 * time.Second},
			DispatchPolicy:            driver.FirstClaim,
			AutoDisableMockOnRealLink: true,
		},
		Serial: SerialConfig{
			Baud:        115200,
			Topic:       driver.DefaultSerialTopic,
			BackoffSeed: Duration{time.Second},
			BackoffMax:  Duration{15 * time.Second},
		},
		Bridge:   BridgeConfig{SigTolerance: Duration{2 * time.Minute}},
		Ledger:   LedgerConfig{Dir: ".rf_spool", TTL: Duration{3 * 24 * time.Hour}},
		Neighbor: NeighborConfig{TTL: Duration{60 * time.Second}},
		Store:    StoreConfig{Backend: BackendDir, SQLitePath: "radionode.db"},
		Cloud:    CloudConfig{MQTT: MQTTConfig{Topic: "radionode/tx", QoS: 1}},
		Spool: SpoolConfig{
			Dir:      ".radio-spool",
			MaxItems: 2000,
			MaxBytes: 100 << 20,
			TTL:      Duration{7 * 24 * time.Hour},
			Interval: Duration{750 * time.Millisecond},
		},
	}
}

// Load: defaults, then path (skipped when ""), then the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envSetter parses one variable into cfg.
type envSetter func(c *Config, v string) error

func str(dst func(*Config) *string) envSetter {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func integer(dst func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func int64v(dst func(*Config) *int64) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

// flag accepts 1/0 and anything strconv.ParseBool does.
func flag(dst func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func dur(dst func(*Config) *Duration, unit time.Duration) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		dst(c).Duration = time.Duration(n) * unit
		return nil
	}
}

var envVars = []struct {
	name string
	set  envSetter
}{
	{"PORT", func(c *Config, v string) error {
		if _, err := strconv.Atoi(v); err != nil {
			return err
		}
		c.Node.Listen = ":" + v
		return nil
	}},
	{"NODE_ID", str(func(c *Config) *string { return &c.Node.ID })},
	{"DATA_DIR", str(func(c *Config) *string { return &c.Node.DataDir })},
	{"DEV_ENDPOINTS", flag(func(c *Config) *bool { return &c.Node.DevEndpoints })},
	{"FANOUT_RAW_PAYLOAD", flag(func(c *Config) *bool { return &c.Node.FanoutRawPayload })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"BAND_PROFILE", str(func(c *Config) *string { return &c.Band.Profile })},
	{"BAND_PROFILE_FILE", str(func(c *Config) *string { return &c.Band.ProfileFile })},
	{"RF_MAX_INGRESS_BYTES", integer(func(c *Config) *int { return &c.RF.MaxIngressBytes })},
	{"BEACON_INTERVAL_MS", dur(func(c *Config) *Duration { return &c.RF.BeaconInterval }, time.Millisecond)},
	{"RF_DISPATCH_POLICY", str(func(c *Config) *string { return &c.RF.DispatchPolicy })},
	{"AUTO_DISABLE_MOCK_ON_REAL_LINK", flag(func(c *Config) *bool { return &c.RF.AutoDisableMockOnRealLink })},
	{"RF_MOCK", flag(func(c *Config) *bool { return &c.RF.MockEnabled })},
	{"RF_SERIAL_DEV", str(func(c *Config) *string { return &c.Serial.Device })},
	{"RF_SERIAL_BAUD", integer(func(c *Config) *int { return &c.Serial.Baud })},
	{"RADIO_BRIDGE_TOKEN", str(func(c *Config) *string { return &c.Bridge.Token })},
	{"RADIO_BRIDGE_TOKEN_NEXT", str(func(c *Config) *string { return &c.Bridge.TokenNext })},
	{"REQUIRE_BRIDGE_SIG", flag(func(c *Config) *bool { return &c.Bridge.RequireSig })},
	{"RADIO_BRIDGE_SIG_TOLERANCE_MS", dur(func(c *Config) *Duration { return &c.Bridge.SigTolerance }, time.Millisecond)},
	{"BRIDGE_STREAM_ADDR", str(func(c *Config) *string { return &c.Bridge.StreamAddr })},
	{"BRIDGE_QUIC_ADDR", str(func(c *Config) *string { return &c.Bridge.QUICAddr })},
	{"RF_SPOOL_DIR", str(func(c *Config) *string { return &c.Ledger.Dir })},
	{"RF_SPOOL_TTL_SEC", dur(func(c *Config) *Duration { return &c.Ledger.TTL }, time.Second)},
	{"NEIGHBOR_TTL_MS", dur(func(c *Config) *Duration { return &c.Neighbor.TTL }, time.Millisecond)},
	{"STORE_BACKEND", str(func(c *Config) *string { return &c.Store.Backend })},
	{"STORE_SQLITE_PATH", str(func(c *Config) *string { return &c.Store.SQLitePath })},
	{"CLOUD_BASE", str(func(c *Config) *string { return &c.Cloud.Base })},
	{"CLOUD_PROXY", str(func(c *Config) *string { return &c.Cloud.Proxy })},
	{"MQTT_BROKER", str(func(c *Config) *string { return &c.Cloud.MQTT.Broker })},
	{"MQTT_TOPIC", str(func(c *Config) *string { return &c.Cloud.MQTT.Topic })},
	{"RN_SPOOL_DIR", str(func(c *Config) *string { return &c.Spool.Dir })},
	{"RN_QUEUE_MAX_ITEMS", integer(func(c *Config) *int { return &c.Spool.MaxItems })},
	{"RN_QUEUE_MAX_BYTES", int64v(func(c *Config) *int64 { return &c.Spool.MaxBytes })},
	{"RN_QUEUE_TTL_MS", dur(func(c *Config) *Duration { return &c.Spool.TTL }, time.Millisecond)},
}

// ApplyEnv overrides cfg from lookup (os.LookupEnv in production). Empty
// values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, e := range envVars {
		v, ok := lookup(e.name)
		if !ok {
			continue
		}
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		if err := e.set(c, v); err != nil {
			return fmt.Errorf("env %s=%q: %w", e.name, v, err)
		}
	}
	c.Cloud.Base = strings.TrimRight(c.Cloud.Base, "/")
	return nil
}

// ForwardingEnabled: a cloud target is configured.
func (c *Config) ForwardingEnabled() bool {
	return c.Cloud.Base != "" || c.Cloud.MQTT.Broker != ""
}

func (c *Config) Validate() error {
	var errs []error
	if c.Node.Listen == "" {
		errs = append(errs, errors.New("node.listen is empty"))
	}
	if c.RF.MaxIngressBytes <= 0 {
		errs = append(errs, errors.New("rf.max_ingress_bytes must be positive"))
	}
	if c.RF.BeaconInterval.Duration < 0 {
		errs = append(errs, errors.New("rf.beacon_interval is negative"))
	}
	if _, err := driver.ParsePolicy(c.RF.DispatchPolicy); err != nil {
		errs = append(errs, fmt.Errorf("rf.dispatch_policy: %w", err))
	}
	if c.Serial.Device != "" && c.Serial.Baud <= 0 {
		errs = append(errs, errors.New("serial.baud must be positive"))
	}
	if c.Serial.BackoffSeed.Duration <= 0 || c.Serial.BackoffMax.Duration < c.Serial.BackoffSeed.Duration {
		errs = append(errs, errors.New("serial backoff: need 0 < backoff_seed <= backoff_max"))
	}
	if c.Bridge.SigTolerance.Duration <= 0 {
		errs = append(errs, errors.New("bridge.sig_tolerance must be positive"))
	}
	if c.Bridge.RequireSig && c.Bridge.Token == "" && c.Bridge.TokenNext == "" {
		errs = append(errs, errors.New("bridge.require_sig set without a token"))
	}
	switch c.Store.Backend {
	case BackendDir:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want dir or sqlite", c.Store.Backend))
	}
	if c.Cloud.MQTT.Broker != "" {
		if c.Cloud.MQTT.Topic == "" {
			errs = append(errs, errors.New("cloud.mqtt.topic is empty"))
		}
		if c.Cloud.MQTT.QoS < 0 || c.Cloud.MQTT.QoS > 2 {
			errs = append(errs, errors.New("cloud.mqtt.qos must be 0, 1 or 2"))
		}
	}
	if c.Spool.Interval.Duration <= 0 {
		errs = append(errs, errors.New("spool.interval must be positive"))
	}
	return errors.Join(errs...)
}
