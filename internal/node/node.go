// Package node wires the radio bridge together: stores, dedup ledger,
// drivers, pacing pipeline, beacon, cloud spool and stream listeners.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/auth"
	"dev.c0redev.radionode/internal/bridge"
	"dev.c0redev.radionode/internal/config"
	"dev.c0redev.radionode/internal/driver"
	"dev.c0redev.radionode/internal/ledger"
	"dev.c0redev.radionode/internal/logging"
	"dev.c0redev.radionode/internal/neighbor"
	"dev.c0redev.radionode/internal/profile"
	"dev.c0redev.radionode/internal/pubsub"
	"dev.c0redev.radionode/internal/rf"
	"dev.c0redev.radionode/internal/spool"
	"dev.c0redev.radionode/internal/store"
	"dev.c0redev.radionode/internal/transport"
)

const ledgerSweepInterval = time.Minute

// Node owns every long-lived component. Fields are read-only after New.
type Node struct {
	Cfg       config.Config
	ID        string
	Log       zerolog.Logger
	Profiles  *profile.Table
	Registry  *driver.Registry
	Pipeline  *rf.Pipeline
	Beacon    *rf.Beacon
	Mock      *driver.Mock
	Serial    *driver.Serial // nil without a device
	Hub       *bridge.Hub
	Verifier  *auth.Verifier
	Ledger    *ledger.Ledger
	Neighbors *neighbor.Table
	Rooms     *pubsub.Rooms
	Spool     *spool.Queue // nil when cloud forwarding is off
	Inbound   *Inbound

	db       *store.DB
	mqtt     *spool.MQTTForwarder
	closeMu  sync.Mutex
	closed   bool
	openPort driver.Opener
}

// Option configures New.
type Option func(*Node)

// WithSerialOpener replaces the serial device opener (tests).
func WithSerialOpener(o driver.Opener) Option { return func(n *Node) { n.openPort = o } }

// New builds the node from cfg. Nothing runs until Run.
func New(cfg config.Config, log zerolog.Logger, opts ...Option) (*Node, error) {
	n := &Node{Cfg: cfg, Log: log}
	for _, o := range opts {
		o(n)
	}
	id, err := LoadOrCreateID(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	n.ID = id

	profiles, err := profile.Load(cfg.Band.ProfileFile)
	if err != nil {
		log.Warn().Err(err).Str("file", cfg.Band.ProfileFile).Msg("band profile file; using defaults")
	}
	table, fallback := profile.Select(profiles, cfg.Band.Profile)
	if fallback {
		log.Warn().Str("requested", cfg.Band.Profile).Str("using", table.Name()).Msg("unknown band profile")
	}
	n.Profiles = table
	active := table.Active()

	ledgerBucket, spoolBucket, err := n.openBuckets()
	if err != nil {
		return nil, err
	}
	n.Ledger, err = ledger.Open(ledgerBucket, cfg.Ledger.TTL.Duration, logging.Component(log, "ledger"))
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("rx ledger: %w", err)
	}
	n.Neighbors = neighbor.New(cfg.Neighbor.TTL.Duration)
	n.Rooms = pubsub.New(logging.Component(log, "rooms"))
	n.Inbound = &Inbound{
		Ledger:    n.Ledger,
		Neighbors: n.Neighbors,
		Rooms:     n.Rooms,
		Profile:   table,
		FanoutRaw: cfg.Node.FanoutRawPayload,
		Self:      n.ID,
		Log:       logging.Component(log, "inbound"),
	}

	policy, err := driver.ParsePolicy(cfg.RF.DispatchPolicy)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.Registry = driver.NewRegistry(policy, logging.Component(log, "drivers"))
	n.Pipeline = rf.New(active.MTU, n.Registry, logging.Component(log, "rf"))
	n.Beacon = &rf.Beacon{Pipeline: n.Pipeline, Self: rf.Announcement{
		ID: n.ID, Profile: table.Name(), RateHz: active.RateHz, MTU: active.MTU,
	}}

	n.Verifier = &auth.Verifier{
		Primary:   cfg.Bridge.Token,
		Next:      cfg.Bridge.TokenNext,
		Tolerance: cfg.Bridge.SigTolerance.Duration,
		Strict:    cfg.Bridge.RequireSig,
	}
	if !n.Verifier.Configured() {
		log.Warn().Msg("no bridge token configured; bridge ingress is disabled")
	}

	n.Mock = driver.NewMock(n.Inbound.Process, logging.Component(log, "mock"))
	if cfg.RF.MockEnabled {
		n.Mock.Enable(driver.MockConfig{Loopback: cfg.RF.MockLoopback})
	}
	n.Registry.Register(n.Mock)

	n.Hub = bridge.NewHub(active.MTU, active.RateHz, n.Inbound.Process, bridge.Hooks{
		OnUp:  n.realLinkUp,
		Drain: n.Pipeline.Drain,
	}, logging.Component(log, "bridge"))
	n.Registry.Register(n.Hub)

	if cfg.Serial.Device != "" {
		n.Serial = driver.NewSerial(driver.SerialConfig{
			Device:      cfg.Serial.Device,
			Baud:        cfg.Serial.Baud,
			BackoffSeed: cfg.Serial.BackoffSeed.Duration,
			BackoffMax:  cfg.Serial.BackoffMax.Duration,
			Topic:       cfg.Serial.Topic,
		}, n.openPort, n.Inbound.Process, n.realLinkUp, logging.Component(log, "serial"))
		n.Registry.Register(n.Serial)
	}

	if spoolBucket != nil {
		fwd, err := n.forwarder()
		if err != nil {
			n.Close()
			return nil, err
		}
		n.Spool, err = spool.Open(spoolBucket, fwd, spool.Config{
			Base:     1.8,
			Scale:    700 * time.Millisecond,
			Ceiling:  15 * time.Second,
			Jitter:   400 * time.Millisecond,
			MaxItems: cfg.Spool.MaxItems,
			MaxBytes: cfg.Spool.MaxBytes,
			TTL:      cfg.Spool.TTL.Duration,
			Interval: cfg.Spool.Interval.Duration,
		}, logging.Component(log, "spool"))
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("spool: %w", err)
		}
	}

	log.Info().Str("node", n.ID).Str("profile", table.Name()).Int("mtu", active.MTU).
		Float64("rate_hz", active.RateHz).Str("policy", policy.String()).
		Bool("cloud", n.Spool != nil).Msg("node ready")
	return n, nil
}

func (n *Node) resolve(dir string) string {
	if filepath.IsAbs(dir) || n.Cfg.Node.DataDir == "" {
		return dir
	}
	return filepath.Join(n.Cfg.Node.DataDir, dir)
}

// openBuckets returns the ledger bucket and, when forwarding is on, the spool bucket.
func (n *Node) openBuckets() (ledgerB, spoolB store.Bucket, err error) {
	cfg := n.Cfg
	if cfg.Store.Backend == config.BackendSQLite {
		n.db, err = store.Open(n.resolve(cfg.Store.SQLitePath))
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		ledgerB = n.db.Bucket("ledger")
		if cfg.ForwardingEnabled() {
			spoolB = n.db.Bucket("spool")
		}
		return ledgerB, spoolB, nil
	}
	ld, err := store.NewDir(n.resolve(cfg.Ledger.Dir))
	if err != nil {
		return nil, nil, fmt.Errorf("ledger dir: %w", err)
	}
	ledgerB = ld
	if cfg.ForwardingEnabled() {
		sd, err := store.NewDir(n.resolve(cfg.Spool.Dir))
		if err != nil {
			return nil, nil, fmt.Errorf("spool dir: %w", err)
		}
		spoolB = sd
	}
	return ledgerB, spoolB, nil
}

func (n *Node) forwarder() (spool.Forwarder, error) {
	c := n.Cfg.Cloud
	if c.MQTT.Broker != "" {
		clientID := c.MQTT.ClientID
		if clientID == "" {
			clientID = n.ID
		}
		f, err := spool.NewMQTTForwarder(spool.MQTTConfig{
			Broker:   c.MQTT.Broker,
			ClientID: clientID,
			Username: c.MQTT.Username,
			Password: c.MQTT.Password,
			Topic:    c.MQTT.Topic,
			QoS:      byte(c.MQTT.QoS),
		}, logging.Component(n.Log, "mqtt"))
		if err != nil {
			return nil, err
		}
		n.mqtt = f
		return f, nil
	}
	return spool.NewHTTPForwarder(c.Base, c.Proxy), nil
}

// realLinkUp runs when serial opens or a bridge peer is accepted.
func (n *Node) realLinkUp() {
	if n.Cfg.RF.AutoDisableMockOnRealLink && n.Mock.Disable() {
		n.Log.Info().Msg("real link up; mock driver disabled")
	}
	n.Pipeline.Drain()
}

// EnqueueRF fragments payload onto the link.
func (n *Node) EnqueueRF(topic string, payload []byte, codec string) (int, error) {
	return n.Pipeline.Enqueue(topic, payload, codec)
}

// CloudOK: true when forwarding is off or the last forward succeeded.
func (n *Node) CloudOK() bool {
	return n.Spool == nil || n.Spool.CloudOK()
}

// SpoolLen: queued cloud forwards (0 when off).
func (n *Node) SpoolLen() int {
	if n.Spool == nil {
		return 0
	}
	return n.Spool.Len()
}

// Run starts periodic work and stream listeners; blocks until ctx is done,
// then closes the node.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	spawn := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	spawn(func() { n.Pipeline.Run(ctx, n.Profiles.Active().TickInterval()) })
	if iv := n.Cfg.RF.BeaconInterval.Duration; iv > 0 {
		spawn(func() { n.Beacon.Run(ctx, iv) })
	}
	if n.Spool != nil {
		spawn(func() { n.Spool.Run(ctx) })
	}
	spawn(func() { n.sweep(ctx) })
	if n.Serial != nil {
		n.Serial.Start()
	}

	errc := make(chan error, 2)
	streams := &bridge.StreamServer{Hub: n.Hub, Verifier: n.Verifier, Opts: bridge.StreamOpts{PQEnabled: n.Cfg.Bridge.PQ}}
	if addr := n.Cfg.Bridge.StreamAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("stream bridge listen: %w", err)
		}
		n.Log.Info().Str("addr", ln.Addr().String()).Msg("stream bridge listening (tcp)")
		spawn(func() { <-ctx.Done(); ln.Close() })
		spawn(func() {
			if err := streams.ServeTCP(ln); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("stream bridge: %w", err)
			}
		})
	}
	if addr := n.Cfg.Bridge.QUICAddr; addr != "" {
		host, _, _ := net.SplitHostPort(addr)
		tlsConf, err := transport.SelfSignedTLS(host)
		if err != nil {
			return fmt.Errorf("quic tls: %w", err)
		}
		ln, err := transport.ListenAddr(addr, tlsConf)
		if err != nil {
			return fmt.Errorf("quic listen: %w", err)
		}
		n.Log.Info().Str("addr", ln.Addr().String()).Msg("stream bridge listening (quic)")
		spawn(func() { <-ctx.Done(); ln.Close() })
		spawn(func() {
			if err := streams.ServeQUIC(ctx, ln); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("quic bridge: %w", err)
			}
		})
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

func (n *Node) sweep(ctx context.Context) {
	t := time.NewTicker(ledgerSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if k := n.Ledger.Sweep(); k > 0 {
				n.Log.Debug().Int("expired", k).Msg("rx ledger sweep")
			}
		}
	}
}

// Close stops drivers and releases stores. Safe to call twice.
func (n *Node) Close() error {
	n.closeMu.Lock()
	defer n.closeMu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	var errs []error
	if n.Serial != nil {
		errs = append(errs, n.Serial.Close())
	}
	if n.Mock != nil {
		n.Mock.Close()
	}
	if n.mqtt != nil {
		n.mqtt.Close()
	}
	if n.db != nil {
		errs = append(errs, n.db.Close())
	}
	return errors.Join(errs...)
}
