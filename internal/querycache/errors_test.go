package querycache

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

var _ net.Error = timeoutNetError{}

func TestClassifyFetchError(t *testing.T) {
	ctx := context.Background()

	rejected := Rejected(404, nil)
	require.Same(t, rejected, ClassifyFetchError(ctx, rejected))

	require.Equal(t, Timeout, ClassifyFetchError(ctx, context.DeadlineExceeded).Kind)
	require.Equal(t, Timeout, ClassifyFetchError(ctx, &net.OpError{Op: "read", Err: timeoutNetError{}}).Kind)
	require.Equal(t, UpstreamUnavailable, ClassifyFetchError(ctx, errors.New("connection refused")).Kind)
}

func TestFetchErrorMessages(t *testing.T) {
	require.Equal(t, "querycache: upstream_rejected (status 502)", Rejected(502, nil).Error())
	require.Equal(t, "querycache: timeout: context deadline exceeded", TimedOut(context.DeadlineExceeded).Error())

	storeErr := &StoreError{Op: "get", Key: "sparql:abc", Err: errors.New("EOF")}
	require.ErrorContains(t, storeErr, "store get sparql:abc")
	require.EqualError(t, errors.Unwrap(storeErr), "EOF")
}
