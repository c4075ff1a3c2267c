package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/logger"
	"ShardRecovery/internal/recovery"
	"ShardRecovery/internal/watcher"
)

// RecoveryView exposes the recovery scheduler. recovery.Scheduler implements it.
type RecoveryView interface {
	Status(hash candidate.Hash) (recovery.Snapshot, bool)
	List() []recovery.Snapshot
	Counts() (active, queued, failed int)
	Rearm() int
}

// ChainView exposes the local shard chain head.
type ChainView interface {
	Head() (candidate.Hash, uint64)
}

// HostView exposes the host-chain watcher.
type HostView interface {
	Stats() watcher.Stats
}

// ImportView exposes the import sequencer.
type ImportView interface {
	Pending() int
}

// PeerCounter reports connected peers.
type PeerCounter interface {
	PeerCount() int
}

// FaultView reports the latest unrecoverable candidate and rejected import.
type FaultView interface {
	LastErrors() (recovery, imports string)
}

// Sources groups the components the API reads from. Any field may be nil.
type Sources struct {
	Recovery RecoveryView // Recovery answers per-candidate status
	Chain    ChainView    // Chain answers the local head
	Host     HostView     // Host answers host-chain progress
	Import   ImportView   // Import answers bodies waiting for their parent
	Peers    PeerCounter  // Peers answers connectivity
	Faults   FaultView    // Faults answers the latest reported errors
	Metrics  http.Handler // Metrics serves /metrics
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Head           string `json:"head"`
	HeadNumber     uint64 `json:"headNumber"`
	HostBest       string `json:"hostBest"`
	HostBestNumber uint64 `json:"hostBestNumber"`
	HostFinalized  uint64 `json:"hostFinalized"`
	Deferred       int    `json:"deferred"`
	Active         int    `json:"active"`
	Queued         int    `json:"queued"`
	Failed         int    `json:"failed"`
	PendingImport  int    `json:"pendingImport"`
	ConnectedPeers int    `json:"connectedPeers"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	LastRecovery   string `json:"lastRecoveryError,omitempty"`
	LastImport     string `json:"lastImportError,omitempty"`
}

// RecoveryResponse describes one candidate's recovery.
type RecoveryResponse struct {
	Candidate  string `json:"candidate"`
	Status     string `json:"status"`
	Threshold  int    `json:"threshold,omitempty"`
	Held       int    `json:"held"`
	Requested  int    `json:"requested"`
	Excluded   int    `json:"excluded"`
	Remaining  int    `json:"remaining"`
	Attempts   int    `json:"attempts"`
	FastPath   bool   `json:"fastPath"`
	Error      string `json:"error,omitempty"`
	AgeSeconds int64  `json:"ageSeconds,omitempty"`
}

// Server is the HTTP status API server.
type Server struct {
	addr    string       // addr is the HTTP listen address
	src     Sources      // src holds the queried components
	started time.Time    // started is when the server was created
	server  *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, src Sources) *Server {
	return &Server{
		addr:    addr,
		src:     src,
		started: time.Now(),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /recoveries", s.handleList)
	mux.HandleFunc("GET /recovery/{hash}", s.handleRecovery)
	mux.HandleFunc("POST /rearm", s.handleRearm)

	if s.src.Metrics != nil {
		mux.Handle("GET /metrics", s.src.Metrics)
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{UptimeSeconds: int64(time.Since(s.started).Seconds())}

	if s.src.Chain != nil {
		head, number := s.src.Chain.Head()
		resp.Head, resp.HeadNumber = head.String(), number
	}

	if s.src.Host != nil {
		st := s.src.Host.Stats()
		resp.HostBest, resp.HostBestNumber = st.Best.String(), st.BestNumber
		resp.HostFinalized = st.FinalizedNumber
		resp.Deferred = st.Deferred
	}

	if s.src.Recovery != nil {
		resp.Active, resp.Queued, resp.Failed = s.src.Recovery.Counts()
	}

	if s.src.Import != nil {
		resp.PendingImport = s.src.Import.Pending()
	}

	if s.src.Peers != nil {
		resp.ConnectedPeers = s.src.Peers.PeerCount()
	}

	if s.src.Faults != nil {
		resp.LastRecovery, resp.LastImport = s.src.Faults.LastErrors()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleList handles GET /recoveries requests.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.src.Recovery == nil {
		writeError(w, http.StatusServiceUnavailable, "recovery not available")
		return
	}

	snaps := s.src.Recovery.List()

	out := make([]RecoveryResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, recoveryResponse(snap))
	}

	writeJSON(w, http.StatusOK, out)
}

// handleRecovery handles GET /recovery/{hash} requests.
func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	if s.src.Recovery == nil {
		writeError(w, http.StatusServiceUnavailable, "recovery not available")
		return
	}

	hash, err := candidate.ParseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid candidate hash")
		return
	}

	snap, ok := s.src.Recovery.Status(hash)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown candidate")
		return
	}

	writeJSON(w, http.StatusOK, recoveryResponse(snap))
}

// handleRearm handles POST /rearm requests.
func (s *Server) handleRearm(w http.ResponseWriter, r *http.Request) {
	if s.src.Recovery == nil {
		writeError(w, http.StatusServiceUnavailable, "recovery not available")
		return
	}

	n := s.src.Recovery.Rearm()

	logger.Info("failed recoveries re-armed by operator", "count", n)

	writeJSON(w, http.StatusOK, map[string]int{"rearmed": n})
}

// recoveryResponse converts a snapshot for JSON.
func recoveryResponse(snap recovery.Snapshot) RecoveryResponse {
	resp := RecoveryResponse{
		Candidate: snap.Candidate.String(),
		Status:    snap.Status.String(),
		Threshold: snap.Threshold,
		Held:      snap.Held,
		Requested: snap.Requested,
		Excluded:  snap.Excluded,
		Remaining: snap.Remaining,
		Attempts:  snap.Attempts,
		FastPath:  snap.FastPath,
	}

	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}

	if !snap.Started.IsZero() {
		resp.AgeSeconds = int64(time.Since(snap.Started).Seconds())
	}

	return resp
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
