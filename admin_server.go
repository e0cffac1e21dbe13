package rabble

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"time"
)

// AdminServer exposes operational endpoints for a Node over HTTP.
// All responses are JSON. Intended for admin/internal networks only.
type AdminServer struct {
	node     *Node
	server   *http.Server
	listener net.Listener
}

// newAdminServer creates an AdminServer bound to the given address.
// The server is not started until start() is called.
func newAdminServer(node *Node, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		node:     node,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/mesh/status", as.handleStatus)
	mux.HandleFunc("/mesh/peers", as.handlePeers)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// stop gracefully shuts down the admin server.
func (as *AdminServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

// statusResponse is the JSON structure for GET /mesh/status.
type statusResponse struct {
	Node       string           `json:"node"`
	Generation uint64           `json:"generation"`
	Addr       string           `json:"addr"`
	Actors     int              `json:"actors"`
	Peers      int              `json:"peers"`
	Metrics    map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	n := as.node
	writeJSON(w, statusResponse{
		Node:       n.id.Name,
		Generation: n.id.Gen,
		Addr:       n.Addr(),
		Actors:     n.exec.actorCount(),
		Peers:      len(n.Nodes()),
		Metrics:    n.metrics.Snapshot(),
	})
}

// peerResponse is one entry in the GET /mesh/peers listing.
type peerResponse struct {
	Node       string `json:"node"`
	Generation uint64 `json:"generation"`
	Addr       string `json:"addr"`
	State      string `json:"state"`
	Attempts   int    `json:"attempts,omitempty"`
}

func (as *AdminServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	infos := as.node.Nodes()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID.Less(infos[j].ID) })

	peers := make([]peerResponse, 0, len(infos))
	for _, info := range infos {
		peers = append(peers, peerResponse{
			Node:       info.ID.Name,
			Generation: info.ID.Gen,
			Addr:       info.Addr,
			State:      info.State.String(),
			Attempts:   info.Attempts,
		})
	}
	writeJSON(w, peers)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin response encode error", "error", err)
	}
}
