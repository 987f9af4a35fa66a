package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GatewayConfig configures a GatewayClient.
type GatewayConfig struct {
	URL      string
	ChainID  int64
	Contract string
	From     string
	APIKey   string
	Timeout  time.Duration
}

// GatewayClient calls a settlement gateway over HTTP. The gateway holds
// the signing key and submits the contract call on our behalf.
//
//	POST {url}/v1/settlements  {"method","reservationId","chainId","contract","from"} -> {"txHash"}
//	GET  {url}/v1/health
type GatewayClient struct {
	cfg  GatewayConfig
	http *http.Client
}

type settleBody struct {
	Method        Outcome `json:"method"`
	ReservationID int64   `json:"reservationId"`
	ChainID       int64   `json:"chainId"`
	Contract      string  `json:"contract,omitempty"`
	From          string  `json:"from,omitempty"`
}

type settleResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error,omitempty"`
}

// NewGatewayClient creates a client. Timeout bounds each HTTP exchange
// and defaults to 30s.
func NewGatewayClient(cfg GatewayConfig) (*GatewayClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("settlement gateway url is required")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &GatewayClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (g *GatewayClient) Name() string { return "gateway" }

// Ping checks the gateway health endpoint.
func (g *GatewayClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.URL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	g.authorize(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("settlement gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("settlement gateway health returned %s", resp.Status)
	}
	return nil
}

func (g *GatewayClient) ConfirmArrival(ctx context.Context, id int64) (TxHandle, error) {
	return g.settle(ctx, ConfirmArrival, id)
}

func (g *GatewayClient) FinalizeNoShow(ctx context.Context, id int64) (TxHandle, error) {
	return g.settle(ctx, FinalizeNoShow, id)
}

func (g *GatewayClient) settle(ctx context.Context, outcome Outcome, id int64) (TxHandle, error) {
	body, err := json.Marshal(settleBody{
		Method:        outcome,
		ReservationID: id,
		ChainID:       g.cfg.ChainID,
		Contract:      g.cfg.Contract,
		From:          g.cfg.From,
	})
	if err != nil {
		return "", fmt.Errorf("marshal settlement: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL+"/v1/settlements", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build settlement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	g.authorize(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", outcome, err)
	}
	defer resp.Body.Close()

	var out settleResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	if err := dec.Decode(&out); err != nil && resp.StatusCode < 300 {
		return "", fmt.Errorf("%s: decode response: %w", outcome, err)
	}

	if resp.StatusCode >= 300 {
		if out.Error != "" {
			return "", fmt.Errorf("%s: gateway returned %s: %s", outcome, resp.Status, out.Error)
		}
		return "", fmt.Errorf("%s: gateway returned %s", outcome, resp.Status)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("%s: gateway response missing txHash", outcome)
	}
	return TxHandle(out.TxHash), nil
}

func (g *GatewayClient) authorize(req *http.Request) {
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
}
