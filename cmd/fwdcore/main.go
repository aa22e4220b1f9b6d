// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

// Command fwdcore is the composition root demonstrating C1-C6 wired
// together into a single forwarding attempt: it resolves one destination,
// races a connection to it with Happy Eyeballs (C2), optionally reuses a
// standby connection from the pool (C3), dispatches one bare HTTP/1.1 GET
// through it (C5), and reports the reply status line.
//
// It is deliberately thin. SPEC_FULL.md §6 treats the full HTTP client
// exchange (request/response framing, headers, body streaming) as an
// external dependency the core is driven by, not a component the core
// implements — so the Dispatcher/Decider here are minimal, documented
// stand-ins for that external driver, not a production request relay.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gatewaycore/fwdcore/config"
	"github.com/gatewaycore/fwdcore/conn/connector"
	"github.com/gatewaycore/fwdcore/conn/dialer"
	"github.com/gatewaycore/fwdcore/conn/tunneler"
	"github.com/gatewaycore/fwdcore/forward"
	"github.com/gatewaycore/fwdcore/peer/happyeyeballs"
	"github.com/gatewaycore/fwdcore/peer/path"
	"github.com/gatewaycore/fwdcore/peer/pool"
)

func main() {
	configPath := flag.String("config", "", "path to a fwdcore YAML config (optional; defaults are used if empty)")
	target := flag.String("target", "example.com:80", "host:port to fetch / through the forwarding core")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	if err := run(*configPath, *target, logger); err != nil {
		logger.Error("forwarding attempt failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath, target string, logger *zap.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("parsing target: %w", err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return fmt.Errorf("parsing target port: %w", err)
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", host, err)
	}

	d := dialer.New()
	standbyPool := pool.New(256, d, connector.NewBlind(connector.Config{Logger: logger}))
	standbyPool.Logger = logger

	opener := happyeyeballs.New(d, standbyPool, cfg.OpenerConfig(host), cfg.NewSpareAllowanceGiver())
	opener.Logger = logger

	tun := tunneler.New(tunneler.Config{Logger: logger})
	blind := connector.NewBlind(connector.Config{Logger: logger})
	decider := hostDecider{}
	dispatcher := &httpGetDispatcher{}

	f := forward.New(cfg.ForwardBudget(), opener, tun, blind, dispatcher, decider, &forward.Request{
		Method:           http.MethodGet,
		TargetHost:       host,
		TargetPort:       port,
		IdempotentOrSafe: true,
	})
	for _, addr := range addrs {
		f.AddDestination(path.Path{Remote: addr, Port: port, Kind: path.KindDirect, HostHint: host})
	}
	f.Finalize()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, err := f.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("forwarding attempt completed", zap.Int("status", status))
	return nil
}

func loadConfig(cfgPath string) (*config.Config, error) {
	if cfgPath == "" {
		return config.New()
	}
	return config.Load(cfgPath)
}

func parsePort(s string) (int, error) {
	return strconv.Atoi(s)
}

// hostDecider never tunnels or secures: this demo only ever targets plain
// HTTP destinations. A real initiator supplies one wired to its own ACL/TLS
// configuration (§6's "Consumed from access-control").
type hostDecider struct{}

func (hostDecider) NeedsTunnelThroughProxy(*path.Connection, *forward.Request) bool { return false }
func (hostDecider) NeedsSecuring(*path.Connection, *forward.Request) bool           { return false }

// httpGetDispatcher issues one bare HTTP/1.1 GET over an already-established
// connection and reports the status line, standing in for the external
// HTTP client exchange driver SPEC_FULL.md §6 describes
// (HTTPStart/FTPStartRelayOrGateway/WhoisStart) — out of scope for this
// core, which only needs to hand the driver a live connection.
type httpGetDispatcher struct{}

func (httpGetDispatcher) Dispatch(ctx context.Context, conn *path.Connection, req *forward.Request) (int, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	fmt.Fprintf(conn, "%s / HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", req.Method, req.TargetHost)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
