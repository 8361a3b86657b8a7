package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

// newNode serves eth_blockNumber and eth_getBlockByNumber from a fixed header set.
func newNode(t *testing.T, head uint64, headers map[uint64]*types.Header) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "eth_blockNumber":
			result = hexutil.Uint64(head)
		case "eth_getBlockByNumber":
			tag, _ := req.Params[0].(string)
			n, err := hexutil.DecodeUint64(tag)
			require.NoError(t, err)
			if h, ok := headers[n]; ok {
				result = h
			}
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
}

func header(number, ts uint64, baseFee *big.Int) *types.Header {
	return &types.Header{
		Number:     new(big.Int).SetUint64(number),
		Time:       ts,
		Difficulty: big.NewInt(0),
		GasLimit:   30_000_000,
		BaseFee:    baseFee,
	}
}

func TestRPCSourceBlockAt(t *testing.T) {
	node := newNode(t, 450, map[uint64]*types.Header{
		300: header(300, 1_700_000_000, big.NewInt(12_000_000_000)),
		150: header(150, 1_699_999_000, nil),
	})
	defer node.Close()

	src := NewRPCSource(Options{ChainID: "eth", RPCURL: node.URL, Timeout: time.Second}, zerolog.Nop())
	defer src.Close()
	ctx := context.Background()

	height, err := src.LatestHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(450), height)

	block, err := src.BlockAt(ctx, 300)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), block.Number)
	assert.Equal(t, uint64(1_700_000_000), block.Timestamp)
	require.NotNil(t, block.FeeValue)
	assert.Equal(t, "12000000000", block.FeeValue.String())

	legacy, err := src.BlockAt(ctx, 150)
	require.NoError(t, err)
	assert.Nil(t, legacy.FeeValue)
}

func TestRPCSourceUnknownHeight(t *testing.T) {
	node := newNode(t, 10, nil)
	defer node.Close()

	src := NewRPCSource(Options{ChainID: "eth", RPCURL: node.URL}, zerolog.Nop())
	defer src.Close()

	_, err := src.BlockAt(context.Background(), 9000)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestRPCSourceMissingURL(t *testing.T) {
	src := NewRPCSource(Options{ChainID: "eth"}, zerolog.Nop())
	_, err := src.LatestHeight(context.Background())
	assert.Error(t, err)
}
