package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gasavg/internal/aggregator"
)

// DefaultRemoteListEndpoint serves daily blob gas price averages.
const DefaultRemoteListEndpoint = "https://api.blobscan.com/stats/blocks"

const localPrefix = "local:"

var (
	// ErrInvalidWindowSelector is returned for selectors outside {1,2,3}.
	ErrInvalidWindowSelector = aggregator.ErrInvalidWindowSelector
	// ErrMissingData means the aggregator has never produced the requested average.
	ErrMissingData = errors.New("aggregator has no data for this window")
	// ErrEmptyRemoteSeries means the remote list endpoint answered without data points.
	ErrEmptyRemoteSeries = errors.New("remote series is empty")
	// ErrRemoteFetch covers transport failures, timeouts and non-2xx answers.
	ErrRemoteFetch = errors.New("remote fetch failed")
	// ErrUnknownSource rejects sources that are neither a configured chain nor an http(s) URL.
	ErrUnknownSource = errors.New("unknown settlement source")
)

// StateReader exposes the committed averages of one local chain.
type StateReader interface {
	State(ctx context.Context) (aggregator.State, error)
}

// Metrics observes settlement queries by source path.
type Metrics interface {
	ObserveSettlement(path string, err error, started time.Time)
}

// Path names how a source is resolved.
type Path string

const (
	PathRemoteList Path = "remote_list"
	PathLocal      Path = "local"
	PathGraphQL    Path = "graphql"
	PathUnknown    Path = "unknown"
)

// Options configure the settlement query.
type Options struct {
	Timeout            time.Duration
	RemoteListEndpoint string
	RemoteListField    string
	Scale              int64
	UserAgent          string
}

// Query answers settlement reads. It holds no lock shared with ingestion.
type Query struct {
	opts    Options
	locals  map[string]StateReader
	client  *http.Client
	scale   decimal.Decimal
	metrics Metrics
	logger  zerolog.Logger
}

// NewQuery builds a settlement query over the given local chains.
func NewQuery(opts Options, locals map[string]StateReader, metrics Metrics, logger zerolog.Logger) *Query {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RemoteListEndpoint == "" {
		opts.RemoteListEndpoint = DefaultRemoteListEndpoint
	}
	opts.RemoteListEndpoint = strings.TrimRight(strings.TrimSpace(opts.RemoteListEndpoint), "/")
	if opts.RemoteListField == "" {
		opts.RemoteListField = "avgBlobGasPrices"
	}
	if opts.Scale <= 0 {
		opts.Scale = 1_000_000_000
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "gasavg/1.0"
	}

	byChain := make(map[string]StateReader, len(locals))
	for id, reader := range locals {
		byChain[strings.ToLower(id)] = reader
	}

	return &Query{
		opts:    opts,
		locals:  byChain,
		client:  &http.Client{Timeout: opts.Timeout},
		scale:   decimal.NewFromInt(opts.Scale),
		metrics: metrics,
		logger:  logger.With().Str("component", "settlement").Logger(),
	}
}

// Resolve reports which path SnapshotAverage would take for source.
func (q *Query) Resolve(source string) Path {
	path, _ := q.route(source)
	return path
}

// SnapshotAverage returns the current average for selector on source in the
// smallest fee unit. Every selector outside {1,2,3}, 0 included, is rejected;
// callers without a selector pass aggregator.DefaultSelector.
func (q *Query) SnapshotAverage(ctx context.Context, source string, selector int) (*big.Int, error) {
	started := time.Now()
	path, target := q.route(source)

	value, err := q.snapshot(ctx, path, target, selector)
	if q.metrics != nil {
		q.metrics.ObserveSettlement(string(path), err, started)
	}
	if err != nil {
		q.logger.Debug().Err(err).Str("source", source).Str("path", string(path)).Int("selector", selector).Msg("settlement query failed")
		return nil, err
	}

	q.logger.Debug().Str("source", source).Str("path", string(path)).Str("value", value.String()).Msg("settlement query answered")
	return value, nil
}

func (q *Query) snapshot(ctx context.Context, path Path, target string, selector int) (*big.Int, error) {
	kind, err := aggregator.KindFromSelector(selector)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	defer cancel()

	switch path {
	case PathRemoteList:
		return q.remoteMean(ctx, kind)
	case PathLocal:
		reader := q.locals[target]
		state, err := reader.State(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s state: %w", target, err)
		}
		return fromState(state, kind)
	case PathGraphQL:
		return q.graphQLAverage(ctx, target, kind)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, target)
	}
}

func (q *Query) route(source string) (Path, string) {
	s := strings.TrimSpace(source)
	if strings.TrimRight(s, "/") == q.opts.RemoteListEndpoint {
		return PathRemoteList, q.opts.RemoteListEndpoint
	}

	id := strings.ToLower(strings.TrimPrefix(s, localPrefix))
	if _, ok := q.locals[id]; ok {
		return PathLocal, id
	}
	if strings.HasPrefix(s, localPrefix) {
		return PathUnknown, s
	}

	if u, err := url.Parse(s); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return PathGraphQL, s
	}
	return PathUnknown, s
}

func fromState(state aggregator.State, kind aggregator.WindowKind) (*big.Int, error) {
	if !state.Initialized {
		return nil, fmt.Errorf("%w: %s average never computed", ErrMissingData, kind)
	}
	avg := state.Average(kind)
	if avg.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative %s average", ErrMissingData, kind)
	}
	return avg, nil
}
