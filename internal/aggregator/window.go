package aggregator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidWindowSelector is returned for selectors outside {1,2,3}.
var ErrInvalidWindowSelector = errors.New("invalid window selector: use 1 (daily), 2 (weekly) or 3 (monthly)")

// WindowKind identifies one of the trailing averaging windows.
type WindowKind int

const (
	Daily WindowKind = iota + 1
	Weekly
	Monthly
)

// DefaultSelector is used when a caller omits the window selector.
const DefaultSelector = 2

type windowSpec struct {
	duration time.Duration
	tag      string
	label    string
}

var windowTable = map[WindowKind]windowSpec{
	Daily:   {duration: 24 * time.Hour, tag: "1d", label: "daily"},
	Weekly:  {duration: 7 * 24 * time.Hour, tag: "7d", label: "weekly"},
	Monthly: {duration: 30 * 24 * time.Hour, tag: "30d", label: "monthly"},
}

// Kinds lists every window in selector order.
var Kinds = []WindowKind{Daily, Weekly, Monthly}

// KindFromSelector maps the external numeric selector to a window.
func KindFromSelector(selector int) (WindowKind, error) {
	kind := WindowKind(selector)
	if _, ok := windowTable[kind]; !ok {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidWindowSelector, selector)
	}
	return kind, nil
}

// ParseKind accepts a label ("weekly"), a remote tag ("7d") or a selector digit ("2").
func ParseKind(s string) (WindowKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, kind := range Kinds {
		spec := windowTable[kind]
		if s == spec.label || s == spec.tag {
			return kind, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		return KindFromSelector(n)
	}
	return 0, fmt.Errorf("%w: got %q", ErrInvalidWindowSelector, s)
}

// Selector returns the external numeric representation.
func (k WindowKind) Selector() int { return int(k) }

// Duration returns the default window length.
func (k WindowKind) Duration() time.Duration { return windowTable[k].duration }

// Tag returns the coarse time-frame tag used by remote series APIs.
func (k WindowKind) Tag() string { return windowTable[k].tag }

func (k WindowKind) String() string {
	if spec, ok := windowTable[k]; ok {
		return spec.label
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// Valid reports whether k is one of the three known windows.
func (k WindowKind) Valid() bool {
	_, ok := windowTable[k]
	return ok
}

// Windows holds the configured duration of each window for one chain.
type Windows struct {
	Daily   time.Duration `mapstructure:"daily"`
	Weekly  time.Duration `mapstructure:"weekly"`
	Monthly time.Duration `mapstructure:"monthly"`
}

// DefaultWindows returns the 1d/7d/30d layout.
func DefaultWindows() Windows {
	return Windows{Daily: Daily.Duration(), Weekly: Weekly.Duration(), Monthly: Monthly.Duration()}
}

// Seconds returns the duration of kind in whole seconds, falling back to the default.
func (w Windows) Seconds(kind WindowKind) uint64 {
	var d time.Duration
	switch kind {
	case Daily:
		d = w.Daily
	case Weekly:
		d = w.Weekly
	case Monthly:
		d = w.Monthly
	}
	if d <= 0 {
		d = kind.Duration()
	}
	return uint64(d / time.Second)
}
