// Package lb implements the cluster's load balancer: it fronts the
// stateless front-end tier, accepting client connections on one port and
// front-end heartbeats on another, and dispatches each client to a live
// front-end chosen by uniform random selection.
package lb

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rowkv/cluster/pkg/clog"
	"github.com/rowkv/cluster/pkg/health"
	"github.com/rowkv/cluster/pkg/kverr"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatTimeout is the interval after which a front-end with
// no PING is considered dead, per spec's default of 5s.
const DefaultHeartbeatTimeout = 5 * time.Second

// DefaultHealthCheckInterval is a half-second health-check interval.
// Nothing in this package runs a periodic sweep with it; liveness is
// computed on demand from Tracker timestamps in Dispatch and
// LiveFrontEndCount.
const DefaultHealthCheckInterval = 500 * time.Millisecond

// Config configures a LoadBalancer.
type Config struct {
	ClientAddr       string // where clients connect for a dispatch
	HeartbeatAddr    string // where front-ends send PING heartbeats
	HeartbeatTimeout time.Duration
}

// LoadBalancer dispatches clients to a uniformly-random live front-end
// and tracks front-end liveness from periodic heartbeats.
type LoadBalancer struct {
	clientAddr    string
	heartbeatAddr string
	liveness      *health.Tracker
	logger        zerolog.Logger

	mu        sync.RWMutex
	frontEnds []string
}

// New constructs a LoadBalancer fronting the given set of front-end
// addresses. Every front-end starts out considered alive (bootstrap-
// alive semantics), matching the coordinator's treatment of replicas.
func New(cfg Config, frontEnds []string) *LoadBalancer {
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}

	lb := &LoadBalancer{
		clientAddr:    cfg.ClientAddr,
		heartbeatAddr: cfg.HeartbeatAddr,
		liveness:      health.NewTracker(timeout),
		logger:        clog.WithComponent("load-balancer"),
		frontEnds:     append([]string(nil), frontEnds...),
	}
	lb.liveness.Seed(frontEnds...)
	return lb
}

// FrontEnds returns the configured front-end set.
func (lb *LoadBalancer) FrontEnds() []string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return append([]string(nil), lb.frontEnds...)
}

// PushTopologyTo sends this load balancer's known front-end set to the
// admin console at adminAddr, in the "L:<name> <port>, …\r\n" topology
// push format admin.Console.HandleTopologyPush expects, per spec's
// admin topology push convention (the Go analogue of the original load
// balancer's lb_to_admin).
func (lb *LoadBalancer) PushTopologyTo(adminAddr string) error {
	lb.mu.RLock()
	frontEnds := append([]string(nil), lb.frontEnds...)
	lb.mu.RUnlock()

	var b strings.Builder
	b.WriteString("L:")
	first := true
	for i, fe := range frontEnds {
		_, port, err := net.SplitHostPort(fe)
		if err != nil {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "fe%d %s", i+1, port)
	}
	b.WriteString("\r\n")

	conn, err := net.DialTimeout("tcp", adminAddr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("load balancer: dial admin console %s: %w", adminAddr, err)
	}
	defer conn.Close()
	_, err = conn.Write([]byte(b.String()))
	return err
}

// LiveFrontEndCount returns the number of known front-ends currently
// considered alive.
func (lb *LoadBalancer) LiveFrontEndCount() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	n := 0
	for _, fe := range lb.frontEnds {
		if lb.liveness.IsAlive(fe) {
			n++
		}
	}
	return n
}

// HandlePing records a heartbeat for a front-end, reviving it if it had
// gone stale, and adds it to the known set if this is its first ping
// (the CLI surface only configures a front-end count, not addresses).
func (lb *LoadBalancer) HandlePing(addr string) {
	lb.liveness.Ping(addr)

	lb.mu.Lock()
	defer lb.mu.Unlock()
	for _, fe := range lb.frontEnds {
		if fe == addr {
			return
		}
	}
	lb.frontEnds = append(lb.frontEnds, addr)
}

// Dispatch chooses a live front-end uniformly at random.
func (lb *LoadBalancer) Dispatch() (string, error) {
	lb.mu.RLock()
	candidates := make([]string, 0, len(lb.frontEnds))
	for _, fe := range lb.frontEnds {
		if lb.liveness.IsAlive(fe) {
			candidates = append(candidates, fe)
		}
	}
	lb.mu.RUnlock()

	if len(candidates) == 0 {
		return "", kverr.ErrServiceUnavailable
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// ListenAndServe runs both the client-dispatch listener and the
// front-end heartbeat listener until ctx is cancelled.
func (lb *LoadBalancer) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- lb.serveClients(ctx) }()
	go func() { errCh <- lb.serveHeartbeats(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (lb *LoadBalancer) serveClients(ctx context.Context) error {
	ln, err := net.Listen("tcp", lb.clientAddr)
	if err != nil {
		return fmt.Errorf("load balancer client listen on %s: %w", lb.clientAddr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	lb.logger.Info().Str("addr", lb.clientAddr).Msg("load balancer accepting clients")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("load balancer client accept: %w", err)
			}
		}
		go lb.handleClient(conn)
	}
}

func (lb *LoadBalancer) handleClient(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			lb.logger.Error().Interface("panic", r).Msg("load balancer client handler panicked")
		}
	}()

	fe, err := lb.Dispatch()
	if err != nil {
		fmt.Fprintf(conn, "-ER %s\r\n", kverr.Reason(err))
		return
	}
	fmt.Fprintf(conn, "%s\r\n", fe)
}

func (lb *LoadBalancer) serveHeartbeats(ctx context.Context) error {
	ln, err := net.Listen("tcp", lb.heartbeatAddr)
	if err != nil {
		return fmt.Errorf("load balancer heartbeat listen on %s: %w", lb.heartbeatAddr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	lb.logger.Info().Str("addr", lb.heartbeatAddr).Msg("load balancer accepting heartbeats")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("load balancer heartbeat accept: %w", err)
			}
		}
		go lb.handleHeartbeat(conn)
	}
}

func (lb *LoadBalancer) handleHeartbeat(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			lb.logger.Error().Interface("panic", r).Msg("load balancer heartbeat handler panicked")
		}
	}()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil && len(data) == 0 {
		return
	}

	port, ok := parsePing(data)
	if !ok {
		return
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}
	lb.HandlePing(fmt.Sprintf("%s:%s", host, port))
}

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
