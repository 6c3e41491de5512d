package cli

import (
	"context"
	"io"
	"os"
	"time"

	grpcadapter "fulfillment/internal/adapters/grpc"

	"github.com/spf13/cobra"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Dialer opens a connection to the fulfillment gRPC server.
type Dialer func(addr string) (grpcpkg.ClientConnInterface, func() error, error)

// DialInsecure connects without transport security.
func DialInsecure(addr string) (grpcpkg.ClientConnInterface, func() error, error) {
	conn, err := grpcpkg.NewClient(addr, grpcpkg.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return conn, conn.Close, nil
}

type globals struct {
	addr    string
	tenant  string
	user    string
	json    bool
	timeout time.Duration
	dial    Dialer
	out     io.Writer
}

// NewRootCommand builds the orderctl command tree.
func NewRootCommand(out io.Writer, dial Dialer) *cobra.Command {
	if out == nil {
		out = os.Stdout
	}
	if dial == nil {
		dial = DialInsecure
	}
	g := &globals{out: out, dial: dial}

	root := &cobra.Command{
		Use:   "orderctl",
		Short: "Operate the order fulfillment service",
		Long: `orderctl inspects order numbers locally and drives event replay,
recovery and consistency checks on a running fulfillment server.

Examples:
  # Check an order number
  orderctl ordernum validate ORD-20240301-1a2b-K3M9Q2XZ

  # Replay every confirmed order for a tenant
  orderctl --tenant acme --user ops replay status CONFIRMED --wait`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&g.addr, "addr", "a", envOr("ORDERCTL_ADDR", "localhost:50051"), "fulfillment gRPC address")
	flags.StringVarP(&g.tenant, "tenant", "t", os.Getenv("ORDERCTL_TENANT"), "tenant id sent with every call")
	flags.StringVarP(&g.user, "user", "u", envOr("ORDERCTL_USER", "orderctl"), "user id sent with every call")
	flags.BoolVarP(&g.json, "json", "j", false, "print JSON output")
	flags.DurationVar(&g.timeout, "timeout", 10*time.Second, "per-call timeout")

	root.AddCommand(newOrderNumCommand(g))
	root.AddCommand(newReplayCommand(g))
	root.AddCommand(newRecoverCommand(g))
	root.AddCommand(newConsistencyCommand(g))
	root.AddCommand(newJobCommand(g))
	return root
}

// Execute runs orderctl against os.Args and returns the exit code.
func Execute() int {
	root := NewRootCommand(os.Stdout, nil)
	if err := root.Execute(); err != nil {
		printError(os.Stderr, "%v", err)
		return 1
	}
	return 0
}

// call invokes method with the caller metadata attached.
func (g *globals) call(ctx context.Context, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	conn, closeConn, err := g.dial(g.addr)
	if err != nil {
		return nil, err
	}
	defer closeConn()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx,
		grpcadapter.MetadataTenantID, g.tenant,
		grpcadapter.MetadataUserID, g.user,
	)
	resp, err := grpcadapter.NewOrderServiceClient(conn).Call(ctx, method, req)
	if err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
