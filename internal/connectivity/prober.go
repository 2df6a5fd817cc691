package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oriys/halo/internal/observability"
)

// Prober checks whether the remote side is reachable. An error is treated
// exactly like an unreachable result.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (bool, error)

func (f ProberFunc) Probe(ctx context.Context) (bool, error) { return f(ctx) }

// HTTPProber probes a reachability URL. Any response below 500 counts as
// reachable: the request made it to a server that answered.
type HTTPProber struct {
	URL    string
	Method string // default HEAD
	Client *http.Client
}

// NewHTTPProber creates a prober for url using http.DefaultClient.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Method: http.MethodHead, Client: http.DefaultClient}
}

func (p *HTTPProber) Probe(ctx context.Context) (bool, error) {
	method := p.Method
	if method == "" {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}
	observability.InjectHTTPHeaders(ctx, req.Header)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return true, nil
}

// GRPCProber probes a gRPC server through the standard health service.
// Only SERVING counts as reachable.
type GRPCProber struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

// NewGRPCProber creates a prober for target. The connection is established
// lazily by the first probe.
func NewGRPCProber(target, service string, opts ...grpc.DialOption) (*GRPCProber, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", target, err)
	}
	return &GRPCProber{
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		service: service,
	}, nil
}

func (p *GRPCProber) Probe(ctx context.Context) (bool, error) {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return false, err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Errorf("health status %s", resp.GetStatus())
	}
	return true, nil
}

// Close releases the underlying connection.
func (p *GRPCProber) Close() error {
	return p.conn.Close()
}
