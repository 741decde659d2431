package instrument

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rmehra/marketpipe/internal/model"
)

// ErrUnknownSelection indicates a selection that matches no reference rows.
var ErrUnknownSelection = errors.New("unknown instrument selection")

// Selection describes a logical instrument set, e.g. "NIFTY futures plus
// options within 10 strikes of the reference price".
type Selection struct {
	Underlying string           // Required: underlying symbol
	Categories []model.Category // Empty = futures and options
	Expiry     string           // "2006-01-02"; empty = nearest expiry
	// StrikeWindow limits options to ± N strikes around the strike nearest
	// ReferencePrice. Zero means all strikes.
	StrikeWindow   int
	ReferencePrice float64 // At-the-money reference; zero = median strike
}

// Registry resolves selections against a read-only reference-data snapshot.
// It holds no mutable state; Resolve is deterministic for a given snapshot
// and safe to call repeatedly and concurrently.
type Registry struct {
	byKey        map[string]model.Instrument
	byUnderlying map[string][]model.Instrument
	count        int
}

// NewRegistry builds a registry from a reference snapshot. The snapshot is
// copied; later mutation of the input slice does not affect the registry.
func NewRegistry(snapshot []model.Instrument) *Registry {
	r := &Registry{
		byKey:        make(map[string]model.Instrument, len(snapshot)),
		byUnderlying: make(map[string][]model.Instrument),
		count:        len(snapshot),
	}
	for _, inst := range snapshot {
		r.byKey[inst.EntityKey] = inst
		r.byUnderlying[inst.Underlying] = append(r.byUnderlying[inst.Underlying], inst)
	}
	return r
}

// Get returns the instrument for an entity key.
func (r *Registry) Get(entityKey string) (model.Instrument, bool) {
	inst, ok := r.byKey[entityKey]
	return inst, ok
}

// Len returns the snapshot size.
func (r *Registry) Len() int {
	return r.count
}

// Resolve expands a selection into a concrete, ordered instrument list:
// futures by expiry first, then options by strike then side.
func (r *Registry) Resolve(sel Selection) ([]model.Instrument, error) {
	if sel.Underlying == "" {
		return nil, fmt.Errorf("%w: empty underlying", ErrUnknownSelection)
	}

	candidates, ok := r.byUnderlying[sel.Underlying]
	if !ok {
		return nil, fmt.Errorf("%w: underlying %q", ErrUnknownSelection, sel.Underlying)
	}

	categories := sel.Categories
	if len(categories) == 0 {
		categories = []model.Category{model.CategoryFuture, model.CategoryOption}
	}
	wanted := make(map[model.Category]struct{}, len(categories))
	for _, c := range categories {
		wanted[c] = struct{}{}
	}

	var futures, options, equities []model.Instrument
	for _, inst := range candidates {
		if _, want := wanted[inst.Category]; !want {
			continue
		}
		switch inst.Category {
		case model.CategoryFuture:
			futures = append(futures, inst)
		case model.CategoryOption:
			options = append(options, inst)
		default:
			equities = append(equities, inst)
		}
	}

	if len(futures)+len(options)+len(equities) == 0 {
		return nil, fmt.Errorf("%w: underlying %q has no rows in categories %v",
			ErrUnknownSelection, sel.Underlying, categories)
	}

	futures = filterExpiry(futures, sel.Expiry)
	options = filterExpiry(options, sel.Expiry)
	options = filterStrikeWindow(options, sel.StrikeWindow, sel.ReferencePrice)

	sort.Slice(futures, func(i, j int) bool {
		return futures[i].Expiry < futures[j].Expiry
	})
	sort.Slice(options, func(i, j int) bool {
		a, b := options[i], options[j]
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Side < b.Side // CE before PE
	})
	sort.Slice(equities, func(i, j int) bool {
		return equities[i].EntityKey < equities[j].EntityKey
	})

	result := make([]model.Instrument, 0, len(futures)+len(options)+len(equities))
	result = append(result, equities...)
	result = append(result, futures...)
	result = append(result, options...)
	return result, nil
}

// filterExpiry keeps the requested expiry, or the nearest one when expiry is
// empty. Expiries are ISO dates so lexicographic order is date order.
func filterExpiry(insts []model.Instrument, expiry string) []model.Instrument {
	if len(insts) == 0 {
		return insts
	}

	target := expiry
	if target == "" {
		for _, inst := range insts {
			if inst.Expiry == "" {
				continue
			}
			if target == "" || inst.Expiry < target {
				target = inst.Expiry
			}
		}
		if target == "" {
			return insts // No expiries at all (equities)
		}
	}

	out := insts[:0:0]
	for _, inst := range insts {
		if inst.Expiry == target {
			out = append(out, inst)
		}
	}
	return out
}

// filterStrikeWindow keeps options within ± window strikes of the strike
// nearest the reference price.
func filterStrikeWindow(options []model.Instrument, window int, refPrice float64) []model.Instrument {
	if window <= 0 || len(options) == 0 {
		return options
	}

	strikes := uniqueStrikes(options)
	atm := atmIndex(strikes, refPrice)

	lo := atm - window
	if lo < 0 {
		lo = 0
	}
	hi := atm + window
	if hi > len(strikes)-1 {
		hi = len(strikes) - 1
	}

	keep := make(map[float64]struct{}, hi-lo+1)
	for _, s := range strikes[lo : hi+1] {
		keep[s] = struct{}{}
	}

	out := options[:0:0]
	for _, inst := range options {
		if _, ok := keep[inst.Strike]; ok {
			out = append(out, inst)
		}
	}
	return out
}

func uniqueStrikes(options []model.Instrument) []float64 {
	set := make(map[float64]struct{}, len(options))
	for _, inst := range options {
		set[inst.Strike] = struct{}{}
	}
	strikes := make([]float64, 0, len(set))
	for s := range set {
		strikes = append(strikes, s)
	}
	sort.Float64s(strikes)
	return strikes
}

// atmIndex returns the index of the strike nearest the reference price. With
// no reference price it falls back to the median strike, keeping resolution
// deterministic for a given snapshot.
func atmIndex(strikes []float64, refPrice float64) int {
	if refPrice == 0 {
		return len(strikes) / 2
	}

	best := 0
	bestDist := math.Abs(strikes[0] - refPrice)
	for i, s := range strikes[1:] {
		if d := math.Abs(s - refPrice); d < bestDist {
			best = i + 1
			bestDist = d
		}
	}
	return best
}
