package transport

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pydpiper-project/pydpiper-core/rpcproto"
)

// Client is the executor-side RPC stub for the scheduler.
type Client struct {
	conn *grpc.ClientConn
	rpc  rpcproto.SchedulerServiceClient
}

// Dial connects to the scheduler at address. Connection is insecure by
// default; pydpiper clusters are expected to run inside a trusted
// cluster network.
func Dial(address string) (*Client, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial scheduler at %s: %w", address, err)
	}
	return &Client{conn: conn, rpc: rpcproto.NewSchedulerServiceClient(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) RegisterExecutor(ctx context.Context, totalMemoryGB float64, cores int, hostname string) (string, error) {
	resp, err := c.rpc.RegisterExecutor(ctx, &rpcproto.RegisterExecutorRequest{
		TotalMemoryGb: totalMemoryGB,
		Cores:         int32(cores),
		Hostname:      hostname,
	})
	if err != nil {
		return "", err
	}
	return resp.ExecutorId, nil
}

func (c *Client) RequestWork(ctx context.Context, executorID string, freeMemoryGB float64, freeCores int) (*rpcproto.RequestWorkResponse, error) {
	return c.rpc.RequestWork(ctx, &rpcproto.RequestWorkRequest{
		ExecutorId:   executorID,
		FreeMemoryGb: freeMemoryGB,
		FreeCores:    int32(freeCores),
	})
}

func (c *Client) ReportFinished(ctx context.Context, executorID, stageID string) error {
	_, err := c.rpc.ReportFinished(ctx, &rpcproto.ReportFinishedRequest{ExecutorId: executorID, StageId: stageID})
	return err
}

func (c *Client) ReportFailed(ctx context.Context, executorID, stageID, reason string) (willRetry bool, err error) {
	resp, err := c.rpc.ReportFailed(ctx, &rpcproto.ReportFailedRequest{ExecutorId: executorID, StageId: stageID, Reason: reason})
	if err != nil {
		return false, err
	}
	return resp.WillRetry, nil
}

func (c *Client) Heartbeat(ctx context.Context, executorID string, residentMemoryGB float64, seq uint64) error {
	_, err := c.rpc.Heartbeat(ctx, &rpcproto.HeartbeatRequest{
		ExecutorId:       executorID,
		ResidentMemoryGb: residentMemoryGB,
		Sequence:         seq,
	})
	return err
}

func (c *Client) QueryStatus(ctx context.Context) (*rpcproto.QueryStatusResponse, error) {
	return c.rpc.QueryStatus(ctx, &rpcproto.QueryStatusRequest{})
}

// CallWithTimeout is a convenience wrapper applying a fixed per-RPC
// deadline, used by the executor's heartbeat loop so a single slow RPC
// cannot stall the next scheduled heartbeat indefinitely.
func CallWithTimeout(parent context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return fn(ctx)
}
