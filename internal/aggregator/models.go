package aggregator

import (
	"math/big"
	"strconv"
)

// StateID is the fixed id of the per-chain aggregator row.
const StateID = "init"

// Block is one inbound block event from the chain source. A nil FeeValue means the
// block carries no base fee.
type Block struct {
	Number    uint64
	Timestamp uint64
	FeeValue  *big.Int
}

// Sample is one recorded observation tied to a source block. Immutable once stored.
type Sample struct {
	ID          string
	ChainID     string
	BlockNumber uint64
	ObservedAt  uint64
	FeeValue    *big.Int
}

// SampleID derives the sample identity from the block number.
func SampleID(blockNumber uint64) string {
	return strconv.FormatUint(blockNumber, 10)
}

// Membership is the ordered id list currently believed to lie inside one window.
type Membership struct {
	Kind      WindowKind
	MemberIDs []string
}

// State is the latest set of window averages for one chain.
type State struct {
	ChainID        string
	AverageDaily   *big.Int
	AverageWeekly  *big.Int
	AverageMonthly *big.Int
	LastUpdated    uint64
	// FirstObserved is the timestamp of the first sample ever applied.
	FirstObserved uint64
	// Initialized is false until the first sample has been applied.
	Initialized bool
}

// EmptyState is what readers observe before any ingestion.
func EmptyState(chainID string) State {
	return State{
		ChainID:        chainID,
		AverageDaily:   new(big.Int),
		AverageWeekly:  new(big.Int),
		AverageMonthly: new(big.Int),
	}
}

// Average selects the field matching kind.
func (s State) Average(kind WindowKind) *big.Int {
	var v *big.Int
	switch kind {
	case Daily:
		v = s.AverageDaily
	case Weekly:
		v = s.AverageWeekly
	case Monthly:
		v = s.AverageMonthly
	}
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Phase describes how far the aggregator has warmed up.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseWarming       Phase = "warming"
	PhaseSteady        Phase = "steady"
)

// Phase reports steady once the observed span covers the smallest window.
func (s State) Phase(windows Windows) Phase {
	if !s.Initialized {
		return PhaseUninitialized
	}
	smallest := windows.Seconds(Daily)
	for _, kind := range Kinds {
		if d := windows.Seconds(kind); d < smallest {
			smallest = d
		}
	}
	if s.LastUpdated-s.FirstObserved < smallest {
		return PhaseWarming
	}
	return PhaseSteady
}
