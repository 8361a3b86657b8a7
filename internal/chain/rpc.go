package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"gasavg/internal/aggregator"
)

// ErrBlockNotFound is returned when the node does not know the requested height yet.
var ErrBlockNotFound = errors.New("block not found")

// Options parameterise the RPC block source.
type Options struct {
	ChainID string
	RPCURL  string
	Timeout time.Duration
}

// RPCSource reads block headers from an Ethereum JSON-RPC endpoint.
type RPCSource struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewRPCSource builds a block source for one chain.
func NewRPCSource(opts Options, logger zerolog.Logger) *RPCSource {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &RPCSource{
		opts:   opts,
		logger: logger.With().Str("component", "rpc_source").Str("chain", opts.ChainID).Logger(),
	}
}

// LatestHeight returns the node's current head block number.
func (s *RPCSource) LatestHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	client, err := s.getClient(ctx)
	if err != nil {
		return 0, err
	}
	height, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return height, nil
}

// BlockAt fetches the header at height and converts it into an ingest event.
// Pre-London headers carry no base fee and yield a nil FeeValue.
func (s *RPCSource) BlockAt(ctx context.Context, height uint64) (aggregator.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	client, err := s.getClient(ctx)
	if err != nil {
		return aggregator.Block{}, err
	}

	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return aggregator.Block{}, fmt.Errorf("height %d: %w", height, ErrBlockNotFound)
		}
		return aggregator.Block{}, fmt.Errorf("header at %d: %w", height, err)
	}

	block := aggregator.Block{
		Number:    header.Number.Uint64(),
		Timestamp: header.Time,
	}
	if header.BaseFee != nil {
		block.FeeValue = new(big.Int).Set(header.BaseFee)
	}
	return block, nil
}

// Close releases the underlying RPC connection.
func (s *RPCSource) Close() {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *RPCSource) getClient(ctx context.Context) (*ethclient.Client, error) {
	if s.opts.RPCURL == "" {
		return nil, fmt.Errorf("chain %s: rpc url not configured", s.opts.ChainID)
	}

	s.clientMux.Lock()
	defer s.clientMux.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	client, err := ethclient.DialContext(ctx, s.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", s.opts.ChainID, err)
	}
	s.logger.Debug().Msg("rpc client connected")
	s.client = client
	return client, nil
}
