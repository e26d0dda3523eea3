// Package main implements the development listener: a reachable HTTP
// endpoint that accepts an envelope and returns one, wrapped in a small
// operator console. It exists to exercise agents end to end; it speaks
// no command protocol.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/desertbit/grumble"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ghostwire/pkg/cipher"
	"ghostwire/pkg/config"
)

// CLI banner.
const banner = `
        _               _            _
   __ _| |__   ___  ___| |___      _(_)_ __ ___
  / _' | '_ \ / _ \/ __| __\ \ /\ / / | '__/ _ \
 | (_| | | | | (_) \__ \ |_ \ V  V /| | | |  __/
  \__, |_| |_|\___/|___/\__| \_/\_/ |_|_|  \___|
  |___/

   agent transport listener (dev harness)
   --------------------------------------

`

// agentSession tracks one agent that has checked in.
type agentSession struct {
	ID        string    // session ID
	AgentID   uint32    // identifier from the hello envelope
	Info      string    // username@hostname
	Remote    string    // remote address
	FirstSeen time.Time // first check-in
	LastSeen  time.Time // most recent check-in
}

// Global state.
var (
	envelopes *cipher.Stream // envelope transform shared with agents
	agents    sync.Map       // checked-in agents by agent ID
	server    *http.Server   // running listener, nil when stopped
)

// handleEnvelope accepts one envelope, records the sender and answers
// with the sender's own identifier so the agent handshake completes.
func handleEnvelope(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := envelopes.Apply(body); err != nil || len(body) < 4 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	agentID := binary.LittleEndian.Uint32(body[:4])

	now := time.Now()
	session := &agentSession{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Info:      string(body[4:]),
		Remote:    r.RemoteAddr,
		FirstSeen: now,
		LastSeen:  now,
	}
	if prev, loaded := agents.LoadOrStore(agentID, session); loaded {
		s := prev.(*agentSession)
		s.LastSeen = now
		s.Remote = r.RemoteAddr
	} else {
		log.Info().Uint32("agent_id", agentID).Str("remote", r.RemoteAddr).
			Msg("agent checked in")
	}

	reply := make([]byte, 4)
	binary.LittleEndian.PutUint32(reply, agentID)
	if err := envelopes.Apply(reply); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

func startServer(addr string) error {
	if server != nil {
		return fmt.Errorf("listener already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleEnvelope)

	server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("listener stopped unexpectedly")
		}
	}()

	log.Info().Str("addr", addr).Msg("listener started")
	return nil
}

func stopServer() error {
	if server == nil {
		return fmt.Errorf("no listener running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := server.Shutdown(ctx)
	server = nil
	return err
}

func renderAgents(a *grumble.App) {
	t := table.NewWriter()
	t.SetOutputMirror(a.Stdout())
	t.AppendHeader(table.Row{"Agent ID", "Info", "Remote", "First seen", "Last seen"})

	agents.Range(func(_, value any) bool {
		s := value.(*agentSession)
		t.AppendRow(table.Row{
			fmt.Sprintf("%08x", s.AgentID),
			s.Info,
			s.Remote,
			s.FirstSeen.Format(time.TimeOnly),
			s.LastSeen.Format(time.TimeOnly),
		})
		return true
	})

	t.Render()
}

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	app := grumble.New(&grumble.Config{
		Name:        "listener",
		Description: "agent transport listener",
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "./config.yaml", "agent configuration file (for the envelope key)")
		},
	})

	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		cfg, err := config.Load(flags.String("config"))
		if err != nil {
			return err
		}

		envelopes, err = cipher.New(cfg.Key, cfg.IV)
		return err
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		a.Printf("%s\n", banner)
	})

	app.AddCommand(&grumble.Command{
		Name: "serve",
		Help: "start the HTTP endpoint",
		Flags: func(f *grumble.Flags) {
			f.String("l", "listen", ":8443", "listen address")
		},
		Run: func(c *grumble.Context) error {
			return startServer(c.Flags.String("listen"))
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "stop",
		Help: "stop the HTTP endpoint",
		Run: func(c *grumble.Context) error {
			return stopServer()
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "agents",
		Help: "list agents that have checked in",
		Run: func(c *grumble.Context) error {
			renderAgents(c.App)
			return nil
		},
	})

	grumble.Main(app)
}
