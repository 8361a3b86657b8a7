package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"gasavg/internal/aggregator"
)

const feeAggregatorQuery = `{
  feeAggregator(id: "init") {
    id
    gas_average_daily
    gas_average_weekly
    gas_average_monthly
    last_updated
  }
}`

// maxErrorBody caps how much of a failed response is quoted in errors.
const maxErrorBody = 256

// maxResponseBody bounds how much of any upstream answer is read.
const maxResponseBody = 1 << 20

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data *struct {
		FeeAggregator *aggregatorPayload `json:"feeAggregator"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type aggregatorPayload struct {
	ID                string              `json:"id"`
	GasAverageDaily   decimal.NullDecimal `json:"gas_average_daily"`
	GasAverageWeekly  decimal.NullDecimal `json:"gas_average_weekly"`
	GasAverageMonthly decimal.NullDecimal `json:"gas_average_monthly"`
	LastUpdated       decimal.NullDecimal `json:"last_updated"`
	// Initialized is only reported by indexers that track it explicitly.
	Initialized *bool `json:"initialized,omitempty"`
}

func (p aggregatorPayload) average(kind aggregator.WindowKind) decimal.NullDecimal {
	switch kind {
	case aggregator.Daily:
		return p.GasAverageDaily
	case aggregator.Weekly:
		return p.GasAverageWeekly
	default:
		return p.GasAverageMonthly
	}
}

func (q *Query) remoteMean(ctx context.Context, kind aggregator.WindowKind) (*big.Int, error) {
	endpoint, err := url.Parse(q.opts.RemoteListEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: parse endpoint: %w", ErrRemoteFetch, err)
	}
	params := endpoint.Query()
	params.Set("timeFrame", kind.Tag())
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", q.opts.UserAgent)

	body, err := q.do(req)
	if err != nil {
		return nil, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrRemoteFetch, err)
	}
	raw, ok := payload[q.opts.RemoteListField]
	if !ok || string(raw) == "null" {
		return nil, fmt.Errorf("%w: field %q missing", ErrEmptyRemoteSeries, q.opts.RemoteListField)
	}

	var series []decimal.Decimal
	if err := json.Unmarshal(raw, &series); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrRemoteFetch, q.opts.RemoteListField, err)
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: %s has no points for %s", ErrEmptyRemoteSeries, q.opts.RemoteListField, kind.Tag())
	}

	return scaledMean(series, q.scale)
}

// scaledMean returns trunc(mean(series) * scale) without intermediate rounding.
func scaledMean(series []decimal.Decimal, scale decimal.Decimal) (*big.Int, error) {
	sum := decimal.Zero
	for _, v := range series {
		sum = sum.Add(v)
	}
	quotient, _ := sum.Mul(scale).QuoRem(decimal.NewFromInt(int64(len(series))), 0)
	if quotient.IsNegative() {
		return nil, fmt.Errorf("%w: negative mean %s", ErrRemoteFetch, quotient.String())
	}
	return quotient.BigInt(), nil
}

func (q *Query) graphQLAverage(ctx context.Context, endpoint string, kind aggregator.WindowKind) (*big.Int, error) {
	body, err := json.Marshal(graphQLRequest{Query: feeAggregatorQuery})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteFetch, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", q.opts.UserAgent)

	payload, err := q.do(req)
	if err != nil {
		return nil, err
	}

	var res graphQLResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("%w: decode graphql response: %w", ErrRemoteFetch, err)
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("%w: graphql: %s", ErrMissingData, res.Errors[0].Message)
	}
	if res.Data == nil || res.Data.FeeAggregator == nil {
		return nil, fmt.Errorf("%w: feeAggregator not found", ErrMissingData)
	}

	agg := res.Data.FeeAggregator
	if agg.Initialized != nil && !*agg.Initialized {
		return nil, fmt.Errorf("%w: %s average never computed", ErrMissingData, kind)
	}

	avg := agg.average(kind)
	if !avg.Valid {
		return nil, fmt.Errorf("%w: gas_average_%s absent", ErrMissingData, kind)
	}
	value := avg.Decimal.Truncate(0)
	if value.IsNegative() {
		return nil, fmt.Errorf("%w: negative %s average", ErrMissingData, kind)
	}
	if agg.Initialized == nil && value.IsZero() {
		return nil, fmt.Errorf("%w: %s average is zero", ErrMissingData, kind)
	}
	return value.BigInt(), nil
}

func (q *Query) do(req *http.Request) ([]byte, error) {
	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrRemoteFetch, req.Method, req.URL.Host, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrRemoteFetch, err)
	}
	if len(payload) > maxResponseBody {
		return nil, fmt.Errorf("%w: response from %s exceeds %d bytes", ErrRemoteFetch, req.URL.Host, maxResponseBody)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: rate limit exceeded (429), try again later", ErrRemoteFetch)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

func parseHTTPError(status int, payload []byte) error {
	msg := strings.TrimSpace(string(payload))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	if msg == "" {
		return fmt.Errorf("%w: status %d", ErrRemoteFetch, status)
	}
	return fmt.Errorf("%w: status %d: %s", ErrRemoteFetch, status, msg)
}
