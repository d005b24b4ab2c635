package trigger

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Parameter keys read from Details.Parameters and echoed in the response.
const (
	KeyCountMax     = "count_max"
	KeyCount        = "count"
	KeyCountComfort = "count_comfort"
	KeyExecutionID  = "execution_id"
)

// ErrInvalidParameter is returned for a numeric parameter that cannot be
// converted to an integer.
var ErrInvalidParameter = errors.New("invalid parameter")

// Params is the parameter bag carried in Details.Parameters. Connect sends
// every value as a string; JSON numbers are accepted as well.
type Params map[string]any

// ExecutionID returns the in-flight execution handle and whether the key was
// present at all. A present but empty handle is still reported as present.
func (p Params) ExecutionID() (string, bool) {
	v, ok := p[KeyExecutionID]
	if !ok {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return id, true
	case nil:
		return "", true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	default:
		return fmt.Sprint(id), true
	}
}

// LoopState is the counter state derived from a parameter bag.
type LoopState struct {
	Count        int
	CountMax     int
	CountComfort int

	countMaxOK     bool
	countOK        bool
	countComfortOK bool
}

// countLabel is the count as echoed to the caller, or "" when it did not
// parse.
func (s LoopState) countLabel() string {
	if !s.countOK {
		return ""
	}
	return strconv.Itoa(s.Count)
}

// Exhausted reports whether this invocation is over budget.
func (s LoopState) Exhausted() bool {
	return s.Count > s.CountMax
}

// Comfort reports whether a comfort message is due on this invocation.
func (s LoopState) Comfort() bool {
	return s.CountComfort > 0 && s.Count%s.CountComfort == 0
}

// parseLoopState derives counters from params. Every field that converts is
// set even when another fails, so the caller can echo what it can.
func parseLoopState(p Params, defaultMax, defaultComfort int) (LoopState, error) {
	var (
		s    LoopState
		errs []error
	)

	countMax, err := intParam(p, KeyCountMax, defaultMax)
	if err != nil {
		errs = append(errs, err)
	} else {
		s.CountMax = max(countMax, 1)
		s.countMaxOK = true
	}

	prior, err := countParam(p)
	if err != nil {
		errs = append(errs, err)
	} else {
		s.Count = prior + 1
		s.countOK = true
	}

	comfort, err := intParam(p, KeyCountComfort, defaultComfort)
	if err != nil {
		errs = append(errs, err)
	} else {
		s.CountComfort = comfort
		s.countComfortOK = true
	}

	return s, errors.Join(errs...)
}

// intParam reads key as an integer, falling back to def when absent.
func intParam(p Params, key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("%w %s: %v", ErrInvalidParameter, key, err)
	}
	return n, nil
}

// countParam reads the prior invocation count. Absent and falsy values
// (null, "", 0, false) all count as no prior invocation.
func countParam(p Params) (int, error) {
	v, ok := p[KeyCount]
	if !ok || falsy(v) {
		return 0, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("%w %s: %v", ErrInvalidParameter, KeyCount, err)
	}
	return n, nil
}

func falsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case float64:
		return t == 0
	case bool:
		return !t
	}
	return false
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 32)
		if err != nil {
			return 0, err
		}
		return int(n), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || math.Abs(t) > math.MaxInt32 {
			return 0, fmt.Errorf("number %v out of range", t)
		}
		return int(t), nil
	case int:
		if t > math.MaxInt32 || t < math.MinInt32 {
			return 0, fmt.Errorf("number %d out of range", t)
		}
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, errors.New("null value")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
