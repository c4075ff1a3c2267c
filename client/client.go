package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ShardRecovery/internal/candidate"
)

// ErrUnknownCandidate is returned when the node has no recovery state for a candidate.
var ErrUnknownCandidate = errors.New("unknown candidate")

// Client queries a node's HTTP status API.
type Client struct {
	nodeAddr string       // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	http     *http.Client // http performs the requests
}

// NodeStatus is the node-wide recovery summary.
type NodeStatus struct {
	Head           string `json:"head"`              // Head is the local shard head hash
	HeadNumber     uint64 `json:"headNumber"`        // HeadNumber is the local shard height
	HostBest       string `json:"hostBest"`          // HostBest is the best host block seen
	HostBestNumber uint64 `json:"hostBestNumber"`    // HostBestNumber is its height
	HostFinalized  uint64 `json:"hostFinalized"`     // HostFinalized is the finalized host height
	Deferred       int    `json:"deferred"`          // Deferred counts candidates waiting for a parent
	Active         int    `json:"active"`            // Active counts running recoveries
	Queued         int    `json:"queued"`            // Queued counts recoveries waiting for a slot
	Failed         int    `json:"failed"`            // Failed counts recoveries waiting for Rearm
	PendingImport  int    `json:"pendingImport"`     // PendingImport counts bodies waiting for import
	ConnectedPeers int    `json:"connectedPeers"`    // ConnectedPeers counts live QUIC connections
	UptimeSeconds  int64  `json:"uptimeSeconds"`     // UptimeSeconds is the API uptime
	LastRecovery   string `json:"lastRecoveryError"` // LastRecovery is the latest unrecoverable candidate
	LastImport     string `json:"lastImportError"`   // LastImport is the latest rejected import
}

// RecoveryInfo is the recovery state of one candidate.
type RecoveryInfo struct {
	Candidate  string `json:"candidate"`  // Candidate is the hex candidate hash
	Status     string `json:"status"`     // Status is the phase name
	Threshold  int    `json:"threshold"`  // Threshold is k
	Held       int    `json:"held"`       // Held counts verified chunks
	Requested  int    `json:"requested"`  // Requested counts chunk requests sent
	Excluded   int    `json:"excluded"`   // Excluded counts sources dropped
	Remaining  int    `json:"remaining"`  // Remaining counts sources not yet asked
	Attempts   int    `json:"attempts"`   // Attempts counts reconstruction rounds
	FastPath   bool   `json:"fastPath"`   // FastPath is set when a backer served the body
	Error      string `json:"error"`      // Error is the failure reason
	AgeSeconds int64  `json:"ageSeconds"` // AgeSeconds is the time since the recovery started
}

// Recovered reports whether the body was recovered.
func (r *RecoveryInfo) Recovered() bool {
	return r.Status == "recovered"
}

// NewClient creates a client for the node at nodeAddr.
// It checks /health before returning.
func NewClient(nodeAddr string) (*Client, error) {
	c := &Client{
		nodeAddr: nodeAddr,
		http:     &http.Client{Timeout: 10 * time.Second},
	}

	if err := c.Health(context.Background()); err != nil {
		return nil, fmt.Errorf("health check:\n%w", err)
	}

	return c, nil
}

// Health returns nil when the node answers /health.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}

	if err := c.get(ctx, "/health", &resp); err != nil {
		return err
	}

	if resp.Status != "ok" {
		return fmt.Errorf("node unhealthy: %q", resp.Status)
	}

	return nil
}

// Status fetches the node summary.
func (c *Client) Status(ctx context.Context) (*NodeStatus, error) {
	var st NodeStatus

	if err := c.get(ctx, "/status", &st); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return &st, nil
}

// Recovery fetches the recovery state of hash.
// Returns ErrUnknownCandidate when the node never saw it.
func (c *Client) Recovery(ctx context.Context, hash candidate.Hash) (*RecoveryInfo, error) {
	var info RecoveryInfo

	err := c.get(ctx, "/recovery/"+hash.String(), &info)
	if errors.Is(err, errNotFound) {
		return nil, ErrUnknownCandidate
	}

	if err != nil {
		return nil, fmt.Errorf("get recovery %s:\n%w", hash.Short(), err)
	}

	return &info, nil
}

// Recoveries lists the queued, active and failed recoveries.
func (c *Client) Recoveries(ctx context.Context) ([]RecoveryInfo, error) {
	var list []RecoveryInfo

	if err := c.get(ctx, "/recoveries", &list); err != nil {
		return nil, fmt.Errorf("list recoveries:\n%w", err)
	}

	return list, nil
}

// Rearm re-queues failed recoveries and returns how many were re-armed.
func (c *Client) Rearm(ctx context.Context) (int, error) {
	var resp struct {
		Rearmed int `json:"rearmed"`
	}

	if err := c.post(ctx, "/rearm", &resp); err != nil {
		return 0, fmt.Errorf("rearm:\n%w", err)
	}

	return resp.Rearmed, nil
}

// WaitRecovered polls until hash is recovered, fails, or ctx is done.
func (c *Client) WaitRecovered(ctx context.Context, hash candidate.Hash, interval time.Duration) (*RecoveryInfo, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info, err := c.Recovery(ctx, hash)
		if err != nil && !errors.Is(err, ErrUnknownCandidate) {
			return nil, err
		}

		if info != nil && info.Recovered() {
			return info, nil
		}

		if info != nil && info.Status == "failed" {
			return info, fmt.Errorf("recovery of %s failed: %s", hash.Short(), info.Error)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return info, ctx.Err()
		}
	}
}
