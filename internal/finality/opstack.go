package finality

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ybbus/jsonrpc/v3"
)

// OPSyncStatus queries an OP-stack rollup node for its safe L2 head.
type OPSyncStatus struct {
	client jsonrpc.RPCClient
}

func NewOPSyncStatus(rollupRPC string) (*OPSyncStatus, error) {
	rollupRPC = strings.TrimSpace(rollupRPC)
	if rollupRPC == "" {
		return nil, fmt.Errorf("%w: empty rollup rpc url", ErrInvalidConfig)
	}
	return &OPSyncStatus{client: jsonrpc.NewClient(rollupRPC)}, nil
}

// NewOPSyncStatusWithClient is used by tests and callers that share a client.
func NewOPSyncStatusWithClient(c jsonrpc.RPCClient) *OPSyncStatus { return &OPSyncStatus{client: c} }

type syncStatus struct {
	SafeL2 struct {
		Number uint64 `json:"number"`
	} `json:"safe_l2"`
}

func (q *OPSyncStatus) SafeBlockNumber(ctx context.Context) (uint64, error) {
	res, err := q.client.Call(ctx, QueryOPSyncStatus)
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return 0, fmt.Errorf("finality: %s: rpc error %d: %s", QueryOPSyncStatus, rpcErr.Code, rpcErr.Message)
		}
		return 0, fmt.Errorf("finality: %s: %w", QueryOPSyncStatus, err)
	}
	if res == nil {
		return 0, fmt.Errorf("finality: %s: empty response", QueryOPSyncStatus)
	}
	if res.Error != nil {
		return 0, fmt.Errorf("finality: %s: rpc error %d: %s", QueryOPSyncStatus, res.Error.Code, res.Error.Message)
	}
	var st syncStatus
	if err := res.GetObject(&st); err != nil {
		return 0, fmt.Errorf("finality: %s: decode: %w", QueryOPSyncStatus, err)
	}
	if st.SafeL2.Number == 0 {
		return 0, fmt.Errorf("finality: %s: safe_l2 not reported", QueryOPSyncStatus)
	}
	return st.SafeL2.Number, nil
}

// NewCustomQuery builds the safe-head query named by a strategy.
func NewCustomQuery(name, endpoint string) (SafeHeadQuery, error) {
	switch name {
	case QueryOPSyncStatus:
		return NewOPSyncStatus(endpoint)
	default:
		return nil, fmt.Errorf("%w: unknown custom query %q", ErrInvalidConfig, name)
	}
}
