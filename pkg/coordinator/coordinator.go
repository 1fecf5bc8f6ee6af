// Package coordinator implements the cluster's directory service: it
// statically partitions the alphabetic key space across replica groups,
// answers client lookups with a live replica's address, and tracks
// storage-node liveness from periodic PING heartbeats.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rowkv/cluster/pkg/clog"
	"github.com/rowkv/cluster/pkg/health"
	"github.com/rowkv/cluster/pkg/kverr"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatTimeout is the interval after which a node with no
// PING is considered dead, per spec's default of 5s (ping interval <=
// 2.5s).
const DefaultHeartbeatTimeout = 5 * time.Second

// Config configures a Coordinator.
type Config struct {
	Addr             string // coordinator's own listen address
	IPAddr           string // fixed address every replica binds to
	NumGroups        int
	NumBackups       int
	HeartbeatTimeout time.Duration
	Store            *Store // optional; nil disables topology persistence
}

// Coordinator serves directory lookups and tracks node liveness for a
// statically computed replica-group assignment.
type Coordinator struct {
	addr       string
	assignment Assignment
	store      *Store
	logger     zerolog.Logger
	liveness   *health.Tracker
}

// New computes the cluster's letter/group assignment and constructs a
// Coordinator ready to serve. Every replica address in the computed
// assignment starts out considered alive (bootstrap-alive semantics) so
// a freshly started cluster isn't reported unavailable before its nodes
// have had a chance to send their first heartbeat.
func New(cfg Config) (*Coordinator, error) {
	assignment, err := ComputeAssignment(cfg.NumGroups, cfg.NumBackups, cfg.IPAddr)
	if err != nil {
		return nil, err
	}

	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}

	c := &Coordinator{
		addr:       cfg.Addr,
		assignment: assignment,
		store:      cfg.Store,
		logger:     clog.WithComponent("coordinator"),
		liveness:   health.NewTracker(timeout),
	}

	for _, g := range assignment.Groups {
		c.liveness.Seed(g.Members()...)
	}

	if cfg.Store != nil {
		if err := cfg.Store.SaveAssignment(assignment); err != nil {
			return nil, fmt.Errorf("persist topology: %w", err)
		}
	}

	return c, nil
}

// Assignment returns the coordinator's static letter/group assignment.
func (c *Coordinator) Assignment() Assignment { return c.assignment }

// HandlePing records a heartbeat for addr, reviving it if it had been
// marked dead.
func (c *Coordinator) HandlePing(addr string) {
	c.liveness.Ping(addr)
}

func (c *Coordinator) isAlive(addr string) bool {
	return c.liveness.IsAlive(addr)
}

// PushTopologyTo sends the coordinator's computed assignment to the
// admin console at adminAddr, in the
// "C:<group>:<name> <port>, …\n<group>:…\r\n" topology push format
// admin.Console.HandleTopologyPush expects.
func (c *Coordinator) PushTopologyTo(adminAddr string) error {
	var b strings.Builder
	b.WriteString("C:")
	for i, g := range c.assignment.Groups {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d:", i)
		for j, addr := range g.Members() {
			if j > 0 {
				b.WriteString(", ")
			}
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				continue
			}
			name := "primary"
			if j > 0 {
				name = fmt.Sprintf("secondary%d", j)
			}
			fmt.Fprintf(&b, "%s %s", name, port)
		}
	}
	b.WriteString("\r\n")

	conn, err := net.DialTimeout("tcp", adminAddr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("coordinator: dial admin console %s: %w", adminAddr, err)
	}
	defer conn.Close()
	_, err = conn.Write([]byte(b.String()))
	return err
}

// LiveCounts returns, for each replica group, the number of member
// addresses (primary plus secondaries) currently considered alive,
// keyed by the group's index as a string.
func (c *Coordinator) LiveCounts() map[string]int {
	counts := make(map[string]int, len(c.assignment.Groups))
	for i, g := range c.assignment.Groups {
		n := 0
		for _, addr := range g.Members() {
			if c.isAlive(addr) {
				n++
			}
		}
		counts[strconv.Itoa(i)] = n
	}
	return counts
}

// Lookup resolves a client key to the address of a live replica
// responsible for it, preferring the group's primary (maximising write
// efficiency) and falling back to any live secondary.
func (c *Coordinator) Lookup(key []byte) (string, error) {
	if len(key) == 0 {
		return "", kverr.ErrNoAssignment
	}
	letter := key[0]
	if letter >= 'A' && letter <= 'Z' {
		letter += 'a' - 'A'
	}
	group, ok := c.assignment.LetterToGroup[letter]
	if !ok {
		return "", kverr.ErrNoAssignment
	}
	members := c.assignment.Groups[group]

	if c.isAlive(members.Primary) {
		return members.Primary, nil
	}
	for _, addr := range members.Secondaries {
		if c.isAlive(addr) {
			return addr, nil
		}
	}
	return "", kverr.ErrGroupUnavailable
}

// ListenAndServe accepts coordinator connections until ctx is
// cancelled. Each connection is either a single-shot client key lookup
// or a storage node's "PING <port>\r\n" heartbeat.
func (c *Coordinator) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("coordinator listen on %s: %w", c.addr, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	c.logger.Info().Str("addr", c.addr).Msg("coordinator listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("coordinator accept: %w", err)
			}
		}
		go c.handleConn(conn)
	}
}

func (c *Coordinator) handleConn(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("coordinator connection handler panicked")
		}
	}()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil && len(data) == 0 {
		return
	}

	if port, ok := parsePing(data); ok {
		addr := fmt.Sprintf("%s:%s", ipOnly(conn.RemoteAddr().String()), port)
		c.HandlePing(addr)
		return
	}

	key := bytes.TrimRight(data, "\r\n")
	addr, lookupErr := c.Lookup(key)
	if lookupErr != nil {
		fmt.Fprintf(conn, "-ER %s\r\n", kverr.Reason(lookupErr))
		return
	}
	fmt.Fprintf(conn, "%s\r\n", addr)
}

// parsePing recognizes a "PING <port>\r\n" heartbeat frame and returns
// the port it names.
func parsePing(data []byte) (string, bool) {
	line := strings.TrimRight(string(data), "\r\n")
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "PING" {
		return "", false
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return "", false
	}
	return fields[1], true
}

func ipOnly(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	return host
}
