// rfpeer: remote-bridge peer. Dials a node's stream bridge, prints tx frames,
// turns stdin lines into rx and optionally loops tx frames straight back.
package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/bridge"
	"dev.c0redev.radionode/internal/logging"
	"dev.c0redev.radionode/internal/proto"
)

const keepaliveInterval = 20 * time.Second

func envOn(name string) bool { return os.Getenv(name) == "1" }

func main() {
	log := logging.Init("rfpeer", os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	addr := os.Getenv("RFPEER_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8788"
	}
	token := os.Getenv("RADIO_BRIDGE_TOKEN")
	if token == "" {
		log.Fatal().Msg("RADIO_BRIDGE_TOKEN required")
	}
	topic := os.Getenv("RFPEER_TOPIC")
	if topic == "" {
		topic = "personal:rfpeer"
	}
	loopback := envOn("RFPEER_LOOPBACK")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := bridge.Dial(dialCtx, addr, bridge.ClientOpts{
		QUIC:      envOn("RFPEER_QUIC"),
		PQEnabled: envOn("RFPEER_PQ"),
		Token:     token,
		Sign:      envOn("RFPEER_SIGN"),
	})
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("dial")
	}
	defer c.Close()
	log.Info().Str("addr", addr).Bool("loopback", loopback).Msg("connected")

	go func() {
		<-ctx.Done()
		c.Close()
	}()
	go keepalive(ctx, c, log)
	go readStdin(c, topic, log)

	for {
		m, err := c.Recv()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				log.Error().Err(err).Msg("recv")
			}
			return
		}
		handle(c, m, loopback, log)
	}
}

func handle(c *bridge.Client, m proto.BridgeMessage, loopback bool, log zerolog.Logger) {
	switch m.Type {
	case proto.MsgHello:
		log.Info().Int("mtu", m.MTU).Float64("rate_hz", m.RateHz).Msg("hello")
	case proto.MsgTx:
		b, err := m.Bytes()
		if err != nil {
			log.Warn().Err(err).Msg("tx without bytes")
			return
		}
		f, err := proto.DecodeRF(b)
		if err != nil {
			log.Warn().Err(err).Int("len", len(b)).Msg("undecodable tx frame")
			return
		}
		log.Info().Str("topic", f.Topic).Uint32("seq", f.Seq).Str("codec", f.Codec).
			Int("len", len(f.Payload)).Msg("tx")
		if loopback {
			seq := f.Seq
			if err := c.Send(proto.NewRx(f.Topic, f.Payload, &seq)); err != nil {
				log.Warn().Err(err).Msg("loopback rx")
			}
		}
	case proto.MsgPong:
	case proto.MsgError:
		log.Warn().Str("code", m.Code).Interface("details", m.Details).Msg("node error")
	default:
		log.Debug().Str("type", m.Type).Msg("ignored")
	}
}

// readStdin sends each non-empty line as an rx payload on topic.
// "topic|text" overrides the topic for that line.
func readStdin(c *bridge.Client, topic string, log zerolog.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		t := topic
		if i := strings.IndexByte(line, '|'); i > 0 {
			t, line = line[:i], line[i+1:]
		}
		if err := c.Send(proto.NewRx(t, []byte(line), nil)); err != nil {
			log.Error().Err(err).Msg("rx send")
			return
		}
	}
}

func keepalive(ctx context.Context, c *bridge.Client, log zerolog.Logger) {
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Send(proto.BridgeMessage{Type: proto.MsgPing, TS: time.Now().UnixMilli()}); err != nil {
				log.Debug().Err(err).Msg("ping")
				return
			}
		}
	}
}
