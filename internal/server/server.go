// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

// Package server implements the connection multiplexer: it accepts TCP
// connections from alarm panels, spawns one internal/link.Conn per
// socket, and holds the registry of active connections that the
// introspection API and output-command injection read from.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/cruunnerr/ha-vds2465-server/internal/device"
	"github.com/cruunnerr/ha-vds2465-server/internal/events"
	"github.com/cruunnerr/ha-vds2465-server/internal/link"
	"github.com/cruunnerr/ha-vds2465-server/internal/liveness"
)

// shutdownTimeout bounds how long ListenAndServe waits for active
// connections to wind down after a shutdown signal, mirroring the
// teacher's http.Server.Shutdown deadline.
const shutdownTimeout = 5 * time.Second

// ConnectionInfo is a read-only snapshot of one active connection, for
// the introspection API.
type ConnectionInfo struct {
	ID       string
	Peer     string
	Identity string
	conn     *link.Conn
}

type connEntry struct {
	conn   *link.Conn
	nc     net.Conn
	cancel context.CancelFunc
}

// Hub owns the registry of active connections and the device table and
// sink every connection is built against.
type Hub struct {
	table           *device.Table
	sink            events.Sink
	liveness        *liveness.Monitor
	pollingInterval time.Duration

	mu    sync.Mutex
	conns map[string]connEntry
}

// NewHub builds a Hub. mon may be nil, disabling liveness notification.
func NewHub(table *device.Table, sink events.Sink, mon *liveness.Monitor, pollingInterval time.Duration) *Hub {
	return &Hub{
		table:           table,
		sink:            sink,
		liveness:        mon,
		pollingInterval: pollingInterval,
		conns:           make(map[string]connEntry),
	}
}

// ListenAndServe accepts connections on addr, with SO_REUSEADDR set on
// the listening socket, until the process receives SIGINT or SIGTERM.
// On shutdown it stops accepting and disconnects every active
// connection within shutdownTimeout, then returns nil.
func (h *Hub) ListenAndServe(addr string) error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	slog.Info("listening for panel connections", "addr", ln.Addr().String())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	shutdownDone := make(chan struct{})
	go func() {
		<-stop
		slog.Info("shutting down")
		_ = ln.Close()
		h.shutdown(shutdownTimeout)
		close(shutdownDone)
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				<-shutdownDone
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		h.handle(nc)
	}
}

// reuseAddrControl sets SO_REUSEADDR on the listening socket before
// bind, so a restart does not fail on lingering TIME_WAIT sockets.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

func (h *Hub) handle(nc net.Conn) {
	id := xid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	c := link.New(nc, h.table, h.sink, h.liveness, h.pollingInterval)

	h.mu.Lock()
	h.conns[id] = connEntry{conn: c, nc: nc, cancel: cancel}
	h.mu.Unlock()

	log := slog.With("conn_id", id, "peer", nc.RemoteAddr().String())
	log.Info("panel connected")

	go func() {
		c.Run(ctx)
		h.mu.Lock()
		delete(h.conns, id)
		h.mu.Unlock()
		cancel()
		log.Info("panel connection closed")
	}()
}

// shutdown cancels every active connection's context and polls until
// they have all unregistered themselves or timeout elapses.
func (h *Hub) shutdown(timeout time.Duration) {
	h.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(h.conns))
	for _, e := range h.conns {
		cancels = append(cancels, e.cancel)
	}
	h.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.conns)
		h.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	h.mu.Lock()
	n := len(h.conns)
	h.mu.Unlock()
	if n > 0 {
		slog.Warn("shutdown timed out with connections still active", "count", n)
	}
}

// SendOutput enqueues an output-command record on identity's active
// connection, if any. deviceOrdinal and area are optional: a nil value
// falls back to the identity's configured DefaultDevice/DefaultArea. It
// reports false if identity has no active connection.
func (h *Hub) SendOutput(identity string, address byte, state bool, deviceOrdinal, area *byte) bool {
	dev, _ := h.table.ByIdentity(identity)
	resolvedDevice := dev.DefaultDevice
	if deviceOrdinal != nil {
		resolvedDevice = *deviceOrdinal
	}
	resolvedArea := dev.DefaultArea
	if area != nil {
		resolvedArea = *area
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.conns {
		if e.conn.Identity() == identity {
			e.conn.EnqueueOutput(resolvedDevice, resolvedArea, address, state)
			return true
		}
	}
	return false
}

// Connections returns a snapshot of every active connection, for the
// introspection API. TCP-level stats are best-effort: conn_stats is
// omitted where the kernel TCP_INFO lookup fails.
func (h *Hub) Connections() []ConnectionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(h.conns))
	for id, e := range h.conns {
		out = append(out, ConnectionInfo{
			ID:       id,
			Peer:     e.nc.RemoteAddr().String(),
			Identity: e.conn.Identity(),
			conn:     e.conn,
		})
	}
	return out
}

// Stats reports kernel TCP_INFO for one tracked connection, if the
// platform and connection type support it.
func (h *Hub) Stats(c ConnectionInfo) (*ConnStats, error) {
	h.mu.Lock()
	entry, ok := h.conns[c.ID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("server: connection %s no longer active", c.ID)
	}
	return connStats(entry.nc)
}
