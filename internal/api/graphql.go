package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"gasavg/internal/aggregator"
)

const maxGraphQLBody = 64 << 10

// aggregatorEntity mirrors the feeAggregator entity of the chain indexers, so
// existing settlement callers can point at this service unchanged.
type aggregatorEntity struct {
	ID                string `json:"id"`
	Chain             string `json:"chain"`
	GasAverageDaily   string `json:"gas_average_daily"`
	GasAverageWeekly  string `json:"gas_average_weekly"`
	GasAverageMonthly string `json:"gas_average_monthly"`
	LastUpdated       string `json:"last_updated"`
	Initialized       bool   `json:"initialized"`
	Phase             string `json:"phase,omitempty"`
}

func entityFromState(state aggregator.State) aggregatorEntity {
	return aggregatorEntity{
		ID:                aggregator.StateID,
		Chain:             state.ChainID,
		GasAverageDaily:   state.Average(aggregator.Daily).String(),
		GasAverageWeekly:  state.Average(aggregator.Weekly).String(),
		GasAverageMonthly: state.Average(aggregator.Monthly).String(),
		LastUpdated:       strconv.FormatUint(state.LastUpdated, 10),
		Initialized:       state.Initialized,
	}
}

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLError struct {
	Message string `json:"message"`
}

func writeGraphQLError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string][]graphQLError{"errors": {{Message: message}}})
}

// handleGraphQL answers the single feeAggregator(id: "init") query. It is not
// a general GraphQL engine; any query not naming feeAggregator is rejected.
func (s *Server) handleGraphQL() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.ToLower(mux.Vars(r)["chain"])

		var req graphQLRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxGraphQLBody)).Decode(&req); err != nil {
			writeGraphQLError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if !strings.Contains(req.Query, "feeAggregator") {
			writeGraphQLError(w, http.StatusBadRequest, "only the feeAggregator query is supported")
			return
		}

		c, ok := s.chains[id]
		if !ok {
			writeGraphQLError(w, http.StatusOK, fmt.Sprintf("chain %q is not indexed", id))
			return
		}

		state, err := c.State(r.Context())
		if err != nil {
			s.logger.Error().Err(err).Str("chain", id).Msg("graphql state read failed")
			writeGraphQLError(w, http.StatusOK, "store unavailable")
			return
		}

		// an indexer has no entity before its first sample
		var entity *aggregatorEntity
		if state.Initialized {
			e := entityFromState(state)
			entity = &e
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{"feeAggregator": entity},
		})
	}
}
