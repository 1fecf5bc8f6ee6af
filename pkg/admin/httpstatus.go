package admin

import (
	"encoding/json"
	"net/http"

	"github.com/rowkv/cluster/pkg/clog"
)

// StatusServer serves a read-only HTTP+JSON summary of the console's
// topology, liveness, and recent KILL/WAKE actions — the Go-native
// replacement for the original admin console's curses/HTML dashboard
// (explicitly out of scope; see spec's Non-goals), while the actual
// operator control messages stay on the wire protocol the spec
// mandates.
type StatusServer struct {
	console *Console
	srv     *http.Server
}

// statusResponse is the JSON body served at GET /status.
type statusResponse struct {
	Ready         bool              `json:"ready"`
	KVSServers    map[string]string `json:"kvs_servers"`
	KVSGroups     map[string][]string `json:"kvs_groups"`
	LBServers     map[string]string `json:"lb_servers"`
	Alive         map[string]bool   `json:"alive"`
	RecentActions []Action          `json:"recent_actions"`
}

// NewStatusServer wraps console with an HTTP handler bound to addr.
// Call ListenAndServe to start serving; it blocks until the server
// stops or errors.
func NewStatusServer(console *Console, addr string) *StatusServer {
	mux := http.NewServeMux()
	s := &StatusServer{console: console}
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	c := s.console
	c.mu.RLock()
	resp := statusResponse{
		Ready:         c.coordInit && c.lbInit,
		KVSServers:    copyStringMap(c.kvsServers),
		KVSGroups:     copyGroupMap(c.kvsGroups),
		LBServers:     copyStringMap(c.lbServers),
		Alive:         copyBoolMap(c.alive),
		RecentActions: append([]Action(nil), c.recent...),
	}
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		clog.Logger.Error().Err(err).Msg("failed to encode admin status response")
	}
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ListenAndServe starts the HTTP status server. It blocks until the
// server stops.
func (s *StatusServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Close shuts the HTTP status server down.
func (s *StatusServer) Close() error {
	return s.srv.Close()
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyGroupMap(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}
