// Package llm adapts the external LLM service (spec.md §6's analyzer and
// triangulation-role collaborator) behind a gRPC client. One connection
// is opened for the process lifetime; requests/responses are carried as
// wrapperspb.StringValue JSON envelopes rather than a bespoke generated
// service, since prompt composition and response parsing are themselves
// out-of-scope collaborators (spec.md §1 Non-goals) — the core only needs
// "send a prompt, get back a scored response".
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client wraps the gRPC connection to the LLM service.
type Client struct {
	conn        *grpc.ClientConn
	model       string
	temperature *float32
	maxTokens   *int32
	timeout     time.Duration
}

// NewClient dials addr once and configures model/temperature/max-tokens
// from the environment, the way the teacher's LLM client read
// GEMINI_MODEL/GEMINI_TEMPERATURE/GEMINI_MAX_TOKENS.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to LLM service: %w", err)
	}

	model := os.Getenv("LLM_MODEL")
	if model == "" {
		model = "gemini-2.0-flash-thinking-exp-01-21"
	}

	var temperature *float32
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if t, err := strconv.ParseFloat(v, 32); err == nil {
			t32 := float32(t)
			temperature = &t32
		}
	}

	var maxTokens *int32
	if v := os.Getenv("LLM_MAX_TOKENS"); v != "" {
		if m, err := strconv.ParseInt(v, 10, 32); err == nil {
			m32 := int32(m)
			maxTokens = &m32
		}
	}

	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	slog.Info("llm client configured", "model", model, "addr", addr)

	return &Client{conn: conn, model: model, temperature: temperature, maxTokens: maxTokens, timeout: timeout}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// request is the JSON envelope carried inside the wrapperspb string.
type request struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int32   `json:"max_tokens,omitempty"`
}

// response is the JSON envelope the service returns: a confidence score
// and the model's reasoning, satisfying pkg/confidence.LLMInvoker.
type response struct {
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Invoke sends prompt to the LLM service and returns its reported
// confidence and reasoning, bounded by the client's per-call deadline.
// Satisfies pkg/confidence.LLMInvoker.
func (c *Client) Invoke(ctx context.Context, prompt string) (float64, string, error) {
	reqPayload, err := json.Marshal(request{
		Model:       c.model,
		Prompt:      prompt,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return 0, "", fmt.Errorf("marshal llm request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := wrapperspb.String(string(reqPayload))
	resp := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(callCtx, "/llm.v1.LLMService/Generate", req, resp); err != nil {
		return 0, "", fmt.Errorf("llm generate rpc: %w", err)
	}

	var parsed response
	if err := json.Unmarshal([]byte(resp.GetValue()), &parsed); err != nil {
		return 0, "", fmt.Errorf("unmarshal llm response: %w", err)
	}
	return parsed.Confidence, parsed.Reasoning, nil
}

// HealthCheck reports whether the LLM service is reachable, for the HTTP
// ingress's /healthz aggregate.
func (c *Client) HealthCheck(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := wrapperspb.String("")
	resp := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(callCtx, "/llm.v1.LLMService/HealthCheck", req, resp); err != nil {
		return fmt.Errorf("llm health check rpc: %w", err)
	}
	return nil
}
