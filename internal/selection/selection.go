// Package selection picks option strikes from a broker-supplied chain.
package selection

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/eddiefleurent/double_calendar/internal/broker"
)

var (
	// ErrNoCandidates is returned when no option in the chain has usable data.
	ErrNoCandidates = errors.New("no strike candidates with valid data")
	// ErrInvalidExpression is returned for strike rules that do not evaluate to a number.
	ErrInvalidExpression = errors.New("invalid strike expression")
)

// Mode chooses how a delta target is matched.
type Mode string

const (
	// ModeClosest picks the delta nearest the target on either side.
	ModeClosest Mode = "closest"
	// ModeUnder picks the largest delta not above the target.
	ModeUnder Mode = "under"
)

// deltaEpsilon treats deltas this close as equal.
const deltaEpsilon = 1e-9

// furtherOTM reports whether a is further out of the money than b.
func furtherOTM(a, b broker.OptionQuote) bool {
	if a.Right == broker.RightPut {
		return a.Strike < b.Strike
	}
	return a.Strike > b.Strike
}

// ByDelta returns the option of the given right whose absolute delta best
// matches target (e.g. 0.20). Options without a delta or a bid are skipped.
// Exact ties go to the further out-of-the-money strike. In ModeUnder, when no
// option sits at or below the target the closest one is returned instead.
func ByDelta(chain []broker.OptionQuote, right broker.Right, target float64, mode Mode) (broker.OptionQuote, error) {
	if target <= 0 || target >= 1 || math.IsNaN(target) {
		return broker.OptionQuote{}, fmt.Errorf("delta target %v must be in (0,1)", target)
	}

	var (
		closest, under         broker.OptionQuote
		closestDiff            = math.Inf(1)
		underDelta             = math.Inf(-1)
		haveClosest, haveUnder bool
	)
	for _, q := range chain {
		if q.Right != right || !q.HasDelta() || !q.HasBid() {
			continue
		}
		d := math.Abs(q.Delta)

		diff := math.Abs(d - target)
		switch {
		case !haveClosest || diff < closestDiff-deltaEpsilon:
			closest, closestDiff, haveClosest = q, diff, true
		case math.Abs(diff-closestDiff) <= deltaEpsilon && furtherOTM(q, closest):
			closest, closestDiff = q, diff
		}

		if d <= target+deltaEpsilon {
			switch {
			case !haveUnder || d > underDelta+deltaEpsilon:
				under, underDelta, haveUnder = q, d, true
			case math.Abs(d-underDelta) <= deltaEpsilon && furtherOTM(q, under):
				under, underDelta = q, d
			}
		}
	}

	if !haveClosest {
		return broker.OptionQuote{}, fmt.Errorf("%w: %s delta %.2f", ErrNoCandidates, right, target)
	}
	if mode == ModeUnder && haveUnder {
		return under, nil
	}
	return closest, nil
}

// ByPrice returns the option whose premium is nearest target. Puts at or
// below atm are priced at the ask and calls at or above atm at the bid. Ties
// go to the strike closer to atm.
func ByPrice(chain []broker.OptionQuote, right broker.Right, target, atm float64) (broker.OptionQuote, error) {
	var (
		best     broker.OptionQuote
		bestDiff = math.Inf(1)
		found    bool
	)
	for _, q := range chain {
		if q.Right != right {
			continue
		}
		var price float64
		if right == broker.RightPut {
			if q.Strike > atm {
				continue
			}
			price = q.Ask
		} else {
			if q.Strike < atm {
				continue
			}
			price = q.Bid
		}
		if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			continue
		}

		diff := math.Abs(price - target)
		closerToATM := math.Abs(q.Strike-atm) < math.Abs(best.Strike-atm)
		if !found || diff < bestDiff-deltaEpsilon || (math.Abs(diff-bestDiff) <= deltaEpsilon && closerToATM) {
			best, bestDiff, found = q, diff, true
		}
	}
	if !found {
		return broker.OptionQuote{}, fmt.Errorf("%w: %s price %.2f", ErrNoCandidates, right, target)
	}
	return best, nil
}

// Strikes returns the sorted distinct strikes of one right in the chain.
func Strikes(chain []broker.OptionQuote, right broker.Right) []float64 {
	seen := make(map[float64]bool)
	var out []float64
	for _, q := range chain {
		if q.Right == right && !seen[q.Strike] {
			seen[q.Strike] = true
			out = append(out, q.Strike)
		}
	}
	sort.Float64s(out)
	return out
}

// nearest returns the element of sorted strikes closest to x, the lower one
// on a tie.
func nearest(strikes []float64, x float64) (float64, error) {
	if len(strikes) == 0 {
		return 0, fmt.Errorf("%w: empty strike list", ErrNoCandidates)
	}
	sorted := append([]float64(nil), strikes...)
	sort.Float64s(sorted)
	best := sorted[0]
	for _, k := range sorted[1:] {
		if math.Abs(k-x) < math.Abs(best-x) {
			best = k
		}
	}
	return best, nil
}

// ATMStrike returns the listed strike closest to spot.
func ATMStrike(strikes []float64, spot float64) (float64, error) {
	return nearest(strikes, spot)
}

// ClosestQuotedStrike returns the option of the given right with a valid bid
// whose strike is nearest price.
func ClosestQuotedStrike(chain []broker.OptionQuote, right broker.Right, price float64) (broker.OptionQuote, error) {
	var (
		best  broker.OptionQuote
		found bool
	)
	for _, q := range chain {
		if q.Right != right || !q.HasBid() {
			continue
		}
		d, bd := math.Abs(q.Strike-price), math.Abs(best.Strike-price)
		if !found || d < bd || (d == bd && q.Strike < best.Strike) {
			best, found = q, true
		}
	}
	if !found {
		return broker.OptionQuote{}, fmt.Errorf("%w: no quoted %s near %.2f", ErrNoCandidates, right, price)
	}
	return best, nil
}

// ByExpression evaluates a strike rule and snaps the result to the nearest
// listed strike. Rules are either shorthand offsets ("ATM", "ATM:+25",
// "SPOT:-1%") or arithmetic over SPOT and ATM ("ATM - 50", "SPOT * 0.98").
func ByExpression(expr string, spot, atm float64, strikes []float64) (float64, error) {
	value, err := EvaluateRule(expr, spot, atm)
	if err != nil {
		return 0, err
	}
	return nearest(strikes, value)
}

// EvaluateRule returns the raw price a strike rule evaluates to.
func EvaluateRule(expr string, spot, atm float64) (float64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("%w: empty rule", ErrInvalidExpression)
	}

	if base, offset, ok := strings.Cut(expr, ":"); ok {
		var ref float64
		switch strings.ToUpper(strings.TrimSpace(base)) {
		case "ATM":
			ref = atm
		case "SPOT":
			ref = spot
		default:
			return 0, fmt.Errorf("%w: unknown reference %q", ErrInvalidExpression, base)
		}
		return applyOffset(ref, strings.TrimSpace(offset))
	}

	evalExpr, err := govaluate.NewEvaluableExpression(strings.ToUpper(expr))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	result, err := evalExpr.Evaluate(map[string]interface{}{
		"SPOT": spot,
		"ATM":  atm,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	f, ok := result.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidExpression, expr)
	}
	return f, nil
}

// applyOffset adds an absolute ("+10") or percentage ("-5%") offset.
func applyOffset(ref float64, offset string) (float64, error) {
	if strings.HasSuffix(offset, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(offset, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		return ref + ref*pct/100, nil
	}
	abs, err := strconv.ParseFloat(offset, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return ref + abs, nil
}
