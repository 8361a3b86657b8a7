package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasavg/internal/aggregator"
	"gasavg/internal/settlement"
)

type fixture struct {
	engine *aggregator.Engine
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := aggregator.NewEngine(aggregator.Options{ChainID: "eth"}, aggregator.NewMemoryStore(), nil, zerolog.Nop())
	require.NoError(t, err)

	query := settlement.NewQuery(settlement.Options{Timeout: 2 * time.Second}, map[string]settlement.StateReader{"eth": engine}, nil, zerolog.Nop())
	srv := NewServer(Options{}, query, []Chain{engine}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{engine: engine, server: srv, http: ts}
}

func (f *fixture) ingest(t *testing.T, number, ts uint64, fee int64) {
	t.Helper()
	_, err := f.engine.Ingest(context.Background(), aggregator.Block{Number: number, Timestamp: ts, FeeValue: big.NewInt(fee)})
	require.NoError(t, err)
}

func decodeError(t *testing.T, resp *http.Response) APIError {
	t.Helper()
	var body map[string]APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["error"]
}

func get(t *testing.T, rawURL string) *http.Response {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSettlementLocalMissingData(t *testing.T) {
	f := newFixture(t)

	resp := get(t, f.http.URL+"/api/v1/settlement?source=eth")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrCodeMissingData, decodeError(t, resp).Code)
}

func TestSettlementLocalValue(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, 150, 1000, 20_000_000_000)

	resp := get(t, f.http.URL+"/api/v1/settlement?source=eth&selector=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "20000000000", body["value"])
	assert.Equal(t, "daily", body["window"])
	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000004a817c800", body["encoded"])
}

func TestSettlementSelectorErrors(t *testing.T) {
	f := newFixture(t)

	for _, selector := range []string{"0", "-1", "5", "hourly"} {
		resp := get(t, f.http.URL+"/api/v1/settlement?source=eth&selector="+selector)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, selector)
		assert.Equal(t, ErrCodeInvalidWindowSelector, decodeError(t, resp).Code)
	}

	resp := get(t, f.http.URL+"/api/v1/settlement")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeInvalidInput, decodeError(t, resp).Code)
}

func TestSettlementDefaultsToWeekly(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, 150, 1000, 12)

	resp := get(t, f.http.URL+"/api/v1/settlement?source=eth")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "weekly", body["window"])
	assert.Equal(t, float64(aggregator.DefaultSelector), body["selector"])
}

func TestParseSelector(t *testing.T) {
	n, err := parseSelector(" ")
	require.NoError(t, err)
	assert.Equal(t, aggregator.DefaultSelector, n)

	n, err = parseSelector("0")
	require.NoError(t, err)
	assert.Zero(t, n, "explicit zero is passed through for rejection")

	n, err = parseSelector("30d")
	require.NoError(t, err)
	assert.Equal(t, aggregator.Monthly.Selector(), n)
}

func TestSettlementTimeframeLabel(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, 300, 1000, 9)

	resp := get(t, f.http.URL+"/api/v1/settlement?source=local:eth&timeframe=30d")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "monthly", body["window"])
	assert.Equal(t, "9", body["value"])
}

func TestSettlementRemoteFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	query := settlement.NewQuery(settlement.Options{RemoteListEndpoint: upstream.URL}, nil, nil, zerolog.Nop())
	ts := httptest.NewServer(NewServer(Options{}, query, nil, zerolog.Nop()).Handler())
	defer ts.Close()

	resp := get(t, ts.URL+"/api/v1/settlement?source="+url.QueryEscape(upstream.URL))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeRemoteFetchFailed, decodeError(t, resp).Code)
}

func TestAggregatorRead(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, 150, 100, 40)

	resp := get(t, f.http.URL+"/api/v1/chains/ETH/aggregator")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body aggregatorEntity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "init", body.ID)
	assert.Equal(t, "40", body.GasAverageWeekly)
	assert.Equal(t, "100", body.LastUpdated)
	assert.True(t, body.Initialized)
	assert.Equal(t, string(aggregator.PhaseWarming), body.Phase)

	resp = get(t, f.http.URL+"/api/v1/chains/base/aggregator")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrCodeChainNotConfigured, decodeError(t, resp).Code)
}

func TestGraphQLEndpointFeedsRemoteSettlement(t *testing.T) {
	f := newFixture(t)
	remote := settlement.NewQuery(settlement.Options{Timeout: time.Second}, nil, nil, zerolog.Nop())
	source := f.http.URL + "/subgraphs/eth"

	_, err := remote.SnapshotAverage(context.Background(), source, 2)
	assert.ErrorIs(t, err, settlement.ErrMissingData, "no entity before the first sample")

	f.ingest(t, 150, 100, 30)
	f.ingest(t, 300, 200, 50)

	v, err := remote.SnapshotAverage(context.Background(), source, 2)
	require.NoError(t, err)
	assert.Equal(t, "40", v.String())
}

func TestGraphQLRejectsOtherQueries(t *testing.T) {
	f := newFixture(t)

	body, _ := json.Marshal(graphQLRequest{Query: "{ samples { id } }"})
	resp, err := http.Post(f.http.URL+"/subgraphs/eth", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ = json.Marshal(graphQLRequest{Query: `{ feeAggregator(id: "init") { id } }`})
	resp2, err := http.Post(f.http.URL+"/subgraphs/arb", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	var out map[string][]graphQLError
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	require.Len(t, out["errors"], 1)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := get(t, f.http.URL+"/api/v1/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status string            `json:"status"`
		Chains map[string]string `json:"chains"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, string(aggregator.PhaseUninitialized), body.Chains["eth"])

	resp = get(t, f.http.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/api/v1/settlement", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestClassify(t *testing.T) {
	status, code := classify(aggregator.ErrStorage)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, ErrCodeStorageUnavailable, code)

	status, code = classify(settlement.ErrEmptyRemoteSeries)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, ErrCodeEmptyRemoteSeries, code)
}

func TestStartStopsOnCancel(t *testing.T) {
	srv := NewServer(Options{ListenAddr: "127.0.0.1:0"}, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
