// Package graphstore adapts the external property-graph store (spec.md
// §6's "session/transaction abstraction with run(cypher-like, params) and
// idempotent upsert semantics") behind a gRPC client. It mirrors the LLM
// client adapter's shape exactly (C15): one long-lived connection, a
// typed wrapper message, and a per-call deadline — the store's own
// schema is an out-of-scope external collaborator, so requests travel as
// opaque JSON inside a wrapperspb.StringValue rather than a bespoke
// generated service.
package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// NodeUpsert is one node to upsert, keyed by semantic id or the
// "<file>:<name>" fallback (pkg/graph resolves which).
type NodeUpsert struct {
	Key        string         `json:"key"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// EdgeUpsert is one directed edge between two node keys. Type and
// confidence travel as properties rather than as the edge label, so a
// repeated run's upsert overwrites them via match-set on (source, target)
// alone, per spec.md §4.9.
type EdgeUpsert struct {
	SourceKey  string         `json:"source_key"`
	TargetKey  string         `json:"target_key"`
	Properties map[string]any `json:"properties"`
}

// UpsertBatch is one transactional batch of node and edge upserts.
type UpsertBatch struct {
	Nodes []NodeUpsert `json:"nodes"`
	Edges []EdgeUpsert `json:"edges"`
}

// Client is the graph-store gRPC adapter.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient dials addr once and returns a Client good for the process
// lifetime, matching pkg/llm.Client's connect-once pattern.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to graph store: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Upsert runs one idempotent batch upsert against the store, bounded by
// the client's configured transaction timeout.
func (c *Client) Upsert(ctx context.Context, batch UpsertBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal upsert batch: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := wrapperspb.String(string(payload))
	resp := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(callCtx, "/graphstore.v1.GraphStore/Upsert", req, resp); err != nil {
		return fmt.Errorf("graph store upsert rpc: %w", err)
	}
	return nil
}

// HealthCheck reports whether the store is reachable, for the HTTP
// ingress's /healthz aggregate.
func (c *Client) HealthCheck(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := wrapperspb.String("")
	resp := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(callCtx, "/graphstore.v1.GraphStore/HealthCheck", req, resp); err != nil {
		return fmt.Errorf("graph store health check rpc: %w", err)
	}
	return nil
}
