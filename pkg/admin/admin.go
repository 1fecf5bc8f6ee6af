// Package admin implements the cluster's operator-facing admin control
// plane: it accepts one topology push from the coordinator and one from
// the load balancer at startup, then lets an operator KILL/WAKE any
// node by address and inspect storage node contents via GETA/GETR/GETV.
package admin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rowkv/cluster/pkg/clog"
	"github.com/rowkv/cluster/pkg/metrics"
	"github.com/rowkv/cluster/pkg/storage"
	"github.com/rowkv/cluster/pkg/wire"
	"github.com/rs/zerolog"
)

const (
	bucketActions = "actions"
	// maxRecentActions bounds the in-memory KILL/WAKE history surfaced by
	// the HTTP status endpoint; older entries remain in the bbolt store.
	maxRecentActions = 100
)

// Action records one KILL or WAKE issued through the console. ID
// correlates the action across the console's logs and its persisted
// history entry.
type Action struct {
	ID   string
	Time time.Time
	Name string
	Addr string
	Kind string // "KILL" or "WAKE"
}

// Config configures a Console.
type Config struct {
	DialTimeout time.Duration
	Store       *storage.Store // optional; nil disables action history persistence
}

// Console is the admin control plane's in-memory view of the cluster:
// the servers named by the coordinator's and load balancer's topology
// pushes, each server's most recently issued status, and a bounded
// history of KILL/WAKE actions.
type Console struct {
	dialTimeout time.Duration
	store       *storage.Store
	logger      zerolog.Logger

	mu         sync.RWMutex
	kvsServers map[string]string   // server name -> address
	kvsGroups  map[string][]string // group name -> member server names
	lbServers  map[string]string   // front-end name -> address
	alive      map[string]bool     // server name -> alive
	coordInit  bool
	lbInit     bool
	recent     []Action
}

// New constructs an empty Console; it learns its topology from
// HandleTopologyPush.
func New(cfg Config) *Console {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Console{
		dialTimeout: timeout,
		store:       cfg.Store,
		logger:      clog.WithComponent("admin"),
		kvsServers:  make(map[string]string),
		kvsGroups:   make(map[string][]string),
		lbServers:   make(map[string]string),
		alive:       make(map[string]bool),
	}
}

// HandleTopologyPush parses a single "C:" (coordinator) or "L:" (load
// balancer) framed message and merges it into the console's known
// servers.
func (c *Console) HandleTopologyPush(frame []byte) error {
	msg := strings.TrimRight(string(frame), "\r\n")
	if len(msg) < 2 {
		return fmt.Errorf("admin: topology push too short: %q", msg)
	}

	switch msg[0] {
	case 'C':
		c.applyCoordMsg(msg[2:])
	case 'L':
		c.applyLBMsg(msg[2:])
	default:
		return fmt.Errorf("admin: topology push has unknown prefix %q", msg[:1])
	}
	return nil
}

// applyCoordMsg parses "C:<group>:<name> <port>, <name> <port>, …\n<group>:…"
// into the console's server/group maps, per
// original_source/admin_console/src/admin_main.cc's parse_coord_msg.
func (c *Console) applyCoordMsg(body string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		group := parts[0]
		for _, entry := range strings.Split(parts[1], ",") {
			name, addr, ok := parseNamedPort(entry)
			if !ok {
				continue
			}
			serverName := group + "_" + name
			c.kvsServers[serverName] = addr
			c.alive[serverName] = true
			c.kvsGroups[group] = append(c.kvsGroups[group], serverName)
		}
	}
	c.coordInit = len(c.kvsServers) > 0
}

// applyLBMsg parses "L:<name> <port>, <name> <port>, …" into the
// console's front-end map, per parse_lb_msg.
func (c *Console) applyLBMsg(body string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range strings.Split(body, ",") {
		name, addr, ok := parseNamedPort(entry)
		if !ok {
			continue
		}
		c.lbServers[name] = addr
		c.alive[name] = true
	}
	c.lbInit = len(c.lbServers) > 0
}

func parseNamedPort(entry string) (name, addr string, ok bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", "", false
	}
	fields := strings.Fields(entry)
	if len(fields) != 2 {
		return "", "", false
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", "", false
	}
	return fields[0], fmt.Sprintf("127.0.0.1:%d", port), true
}

// Ready reports whether both the coordinator and the load balancer have
// delivered their startup topology push.
func (c *Console) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coordInit && c.lbInit
}

// ListenForTopologyPushes binds addr and accepts topology-push
// connections from the coordinator and the load balancer until ctx is
// cancelled. Each connection delivers one CRLF-terminated "C:" or "L:"
// frame before closing; the console's topology maps are updated
// immediately and remain live for any later reconnects.
func (c *Console) ListenForTopologyPushes(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: listen on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	c.logger.Info().Str("addr", addr).Msg("admin console accepting topology pushes")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("admin: accept: %w", err)
			}
		}
		go c.handleTopologyConn(conn)
	}
}

func (c *Console) handleTopologyConn(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("admin topology handler panicked")
		}
	}()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil && len(data) == 0 {
		return
	}
	if err := c.HandleTopologyPush(data); err != nil {
		c.logger.Error().Err(err).Msg("malformed topology push")
	}
}

// addrOf resolves a server name (KVS or front-end) to its dial address.
func (c *Console) addrOf(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if addr, ok := c.kvsServers[name]; ok {
		return addr, true
	}
	addr, ok := c.lbServers[name]
	return addr, ok
}

// Kill issues a KILL control message to the named server.
func (c *Console) Kill(ctx context.Context, name string) error {
	return c.setStatus(ctx, name, "KILL")
}

// Wake issues a WAKE control message to the named server.
func (c *Console) Wake(ctx context.Context, name string) error {
	return c.setStatus(ctx, name, "WAKE")
}

func (c *Console) setStatus(ctx context.Context, name, kind string) error {
	addr, ok := c.addrOf(name)
	if !ok {
		return fmt.Errorf("admin: unknown server %q", name)
	}

	if _, err := c.roundTrip(ctx, addr, wire.BuildCommand(kind)); err != nil {
		c.logger.Error().Err(err).Str("server", name).Str("cmd", kind).Msg("control message failed")
		return err
	}

	c.mu.Lock()
	c.alive[name] = kind == "WAKE"
	c.mu.Unlock()

	action := Action{ID: uuid.NewString(), Time: time.Now(), Name: name, Addr: addr, Kind: kind}
	c.recordAction(action)
	metrics.RecordAdminAction(kind)
	c.logger.Info().Str("action_id", action.ID).Str("server", name).Str("cmd", kind).Msg("control message sent")
	return nil
}

func (c *Console) recordAction(a Action) {
	c.mu.Lock()
	c.recent = append(c.recent, a)
	if len(c.recent) > maxRecentActions {
		c.recent = c.recent[len(c.recent)-maxRecentActions:]
	}
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	key := fmt.Sprintf("%020d", a.Time.UnixNano())
	if err := c.store.Put(bucketActions, key, a); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist admin action")
	}
}

// RecentActions returns the most recent KILL/WAKE actions, oldest first.
func (c *Console) RecentActions() []Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Action(nil), c.recent...)
}

// GetAllRows issues GETA to the named storage server and returns its
// row keys.
func (c *Console) GetAllRows(ctx context.Context, name string) ([]string, error) {
	reply, err := c.queryServer(ctx, name, wire.BuildCommand("GETA"))
	if err != nil {
		return nil, err
	}
	return splitFields(reply), nil
}

// GetRow issues GETR to the named storage server and returns row's
// column keys.
func (c *Console) GetRow(ctx context.Context, name, row string) ([]string, error) {
	reply, err := c.queryServer(ctx, name, wire.BuildCommand("GETR", []byte(row)))
	if err != nil {
		return nil, err
	}
	return splitFields(reply), nil
}

// GetValue issues GETV to the named storage server and returns the
// raw value bytes at row/col.
func (c *Console) GetValue(ctx context.Context, name, row, col string) ([]byte, error) {
	return c.queryServer(ctx, name, wire.BuildCommand("GETV", []byte(row), []byte(col)))
}

func (c *Console) queryServer(ctx context.Context, name string, payload []byte) ([]byte, error) {
	addr, ok := c.addrOf(name)
	if !ok {
		return nil, fmt.Errorf("admin: unknown server %q", name)
	}
	reply, err := c.roundTrip(ctx, addr, payload)
	if err != nil {
		return nil, err
	}
	if rest, ok := wire.IsOK(reply); ok {
		return rest, nil
	}
	return nil, wire.ErrFromReply(reply)
}

func splitFields(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, []byte{'\b'})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

func (c *Console) roundTrip(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("admin: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else {
		conn.SetDeadline(time.Now().Add(c.dialTimeout))
	}

	if err := wire.WriteFrame(conn, payload); err != nil {
		return nil, fmt.Errorf("admin: write to %s: %w", addr, err)
	}
	return wire.ReadFrame(conn)
}
