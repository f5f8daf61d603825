package testutil

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// BufconnTarget is the dial target used with a bufconn listener. The
// passthrough scheme hands it to the context dialer untouched.
const BufconnTarget = "passthrough:///bufnet"

// DefaultBufconnSize holds one batch at the default 1 MiB bound together with
// its frame header and gRPC framing.
const DefaultBufconnSize = 2 << 20

// NewBufconnListener returns an in-memory listener. A non-positive bufferSize
// selects DefaultBufconnSize.
func NewBufconnListener(bufferSize int) *bufconn.Listener {
	if bufferSize <= 0 {
		bufferSize = DefaultBufconnSize
	}
	return bufconn.Listen(bufferSize)
}

// BufconnDialOptions routes every dial through lis. Sinks take these as their
// extra dial options.
func BufconnDialOptions(lis *bufconn.Listener) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
}

// DialBufconn opens an insecure client connection to the server behind lis.
// The connection is closed when the test ends.
func DialBufconn(t testing.TB, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	opts := append(BufconnDialOptions(lis), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(BufconnTarget, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
