package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"gasavg/internal/aggregator"
	"gasavg/internal/settlement"
)

// APIError is the body of every non-2xx JSON response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeInvalidWindowSelector = "INVALID_WINDOW_SELECTOR"
	ErrCodeUnknownSource         = "UNKNOWN_SOURCE"
	ErrCodeMissingData           = "MISSING_DATA"
	ErrCodeEmptyRemoteSeries     = "EMPTY_REMOTE_SERIES"
	ErrCodeRemoteFetchFailed     = "REMOTE_FETCH_FAILED"
	ErrCodeStorageUnavailable    = "STORAGE_UNAVAILABLE"
	ErrCodeChainNotConfigured    = "CHAIN_NOT_CONFIGURED"
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeInternalError         = "INTERNAL_ERROR"
)

func writeJSONError(w http.ResponseWriter, statusCode int, errCode, message string) {
	writeJSON(w, statusCode, map[string]APIError{"error": {Code: errCode, Message: message}})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// classify maps a settlement or storage error to a status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, settlement.ErrInvalidWindowSelector):
		return http.StatusBadRequest, ErrCodeInvalidWindowSelector
	case errors.Is(err, settlement.ErrUnknownSource):
		return http.StatusBadRequest, ErrCodeUnknownSource
	case errors.Is(err, settlement.ErrMissingData):
		return http.StatusNotFound, ErrCodeMissingData
	case errors.Is(err, settlement.ErrEmptyRemoteSeries):
		return http.StatusBadGateway, ErrCodeEmptyRemoteSeries
	case errors.Is(err, settlement.ErrRemoteFetch):
		return http.StatusBadGateway, ErrCodeRemoteFetchFailed
	case errors.Is(err, aggregator.ErrStorage):
		return http.StatusServiceUnavailable, ErrCodeStorageUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}
