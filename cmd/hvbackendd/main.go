// File: cmd/hvbackendd/main.go
// Author: momentics <momentics@gmail.com>
//
// Minimal process wiring: one Unix control socket, one Manager, one
// shared engine worker gated by an activation-threshold Controller.
// CLI parsing, PID files and signal handling are the out-of-scope outer
// daemon surface; this accepts a control-socket path as its only
// argument and otherwise runs until killed.

package main

import (
	"fmt"
	"log"
	"net"
	"os"

	"github.com/pvnet/hvbackend/api"
	"github.com/pvnet/hvbackend/internal/control"
	"github.com/pvnet/hvbackend/internal/egress"
	"github.com/pvnet/hvbackend/internal/engine"
	"github.com/pvnet/hvbackend/internal/sched"
	"github.com/pvnet/hvbackend/internal/session"
)

const (
	maxGuests        = 64
	poolCapacity     = 4096
	perRingBudget    = 256
	defaultBatch     = 256
	defaultThreshold = 1
	defaultQuantum   = 1500
	defaultWeight    = 1
)

// seedConfig populates the facade's config store with the
// runtime-tunable defaults, so GetConfig() reflects real values from
// process start rather than only responding to a SET_CONFIG the control
// plane never sends yet.
func seedConfig(facade *control.Facade) {
	_ = facade.SetConfig(map[string]any{
		"batch_limit":          defaultBatch,
		"activation_threshold": defaultThreshold,
		"quantum":              defaultQuantum,
		"weight":               defaultWeight,
	})
}

func configInt(snap map[string]any, key string, fallback int) int {
	v, ok := snap[key]
	if !ok {
		return fallback
	}
	n, ok := v.(int)
	if !ok {
		return fallback
	}
	return n
}

func flowParams(snap map[string]any) []sched.FlowParams {
	params := make([]sched.FlowParams, api.NumTrafficClasses)
	quantum := configInt(snap, "quantum", defaultQuantum)
	weight := configInt(snap, "weight", defaultWeight)
	for i := range params {
		params[i] = sched.FlowParams{Quantum: quantum, Weight: weight}
	}
	return params
}

// dumpRings renders every live guest's queue transports for the debug
// probe registry, without perturbing the worker's hot-path state.
func dumpRings(sessions *session.Manager) map[string]string {
	out := make(map[string]string)
	sessions.Range(func(s *session.GuestSession) {
		for i := 0; i < s.NumRXQueues(); i++ {
			if rx, ok := s.RXQueue(i); ok {
				out[fmt.Sprintf("rx:%d:%d", s.ID(), i)] = rx.Dump()
			}
		}
		for i := 0; i < s.NumTXQueues(); i++ {
			if tx, ok := s.TXQueue(i); ok {
				out[fmt.Sprintf("tx:%d:%d", s.ID(), i)] = tx.Dump()
			}
		}
	})
	return out
}

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s <control-socket-path>", os.Args[0])
	}
	sockPath := os.Args[1]

	facade := control.NewFacade()
	seedConfig(facade)
	snap := facade.GetConfig()

	sessions := session.NewManager(maxGuests)

	port := egress.NewSink(false) // always a discarding Sink; no other backend is selected here
	drr := sched.NewDRR(flowParams(snap))
	loop := engine.NewLoop(sessions, port, drr, facade.Metrics(), engine.Config{
		MarkSource:    api.MarkEngine,
		PerRingBudget: perRingBudget,
		BatchLimit:    configInt(snap, "batch_limit", defaultBatch),
		PoolCapacity:  poolCapacity,
	})
	controller := engine.NewController(loop, configInt(snap, "activation_threshold", defaultThreshold))
	sessions.SetActivationHook(func(guestID int, active bool) {
		if active {
			controller.GuestJoined(guestID)
		} else {
			controller.GuestLeft(guestID)
		}
	})

	probes := control.NewDebugProbes()
	probes.RegisterProbe("rings", func() any { return dumpRings(sessions) })
	facade.OnReload(func() {
		cur := facade.GetConfig()
		loop.SetBatchLimit(configInt(cur, "batch_limit", defaultBatch))
		controller.SetThreshold(configInt(cur, "activation_threshold", defaultThreshold))
		log.Printf("hvbackendd: config reload, ring state: %v", probes.DumpState())
	})

	os.Remove(sockPath)
	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		log.Fatalf("hvbackendd: resolve %s: %v", sockPath, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		log.Fatalf("hvbackendd: listen %s: %v", sockPath, err)
	}
	defer ln.Close()

	log.Printf("hvbackendd: listening on %s", sockPath)
	for {
		uc, err := ln.AcceptUnix()
		if err != nil {
			log.Printf("hvbackendd: accept: %v", err)
			return
		}
		go func() {
			if err := sessions.Serve(uc); err != nil {
				log.Printf("hvbackendd: connection closed: %v", err)
			}
		}()
	}
}
