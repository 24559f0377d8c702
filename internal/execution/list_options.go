package execution

import "time"

// SortOrder defines how results should be ordered when listing executions.
type SortOrder int

const (
	// SortByUpdatedDesc orders executions by UpdatedAt descending.
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders executions by UpdatedAt ascending.
	SortByUpdatedAsc
)

// ListOptions controls how executions are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Owner      string
	StrategyID string
	States     []State
	UpdatedGTE int64
	UpdatedLTE int64
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.States != nil {
		opts.States = normalizeStates(opts.States)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of executions returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching executions.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithOwner filters executions by owning wallet.
func WithOwner(owner string) ListOption {
	return func(opts *ListOptions) {
		opts.Owner = owner
	}
}

// WithStrategy filters executions by owning strategy.
func WithStrategy(strategyID string) ListOption {
	return func(opts *ListOptions) {
		opts.StrategyID = strategyID
	}
}

// WithStates filters executions by the provided states.
func WithStates(states ...State) ListOption {
	return func(opts *ListOptions) {
		opts.States = append(opts.States[:0], states...)
	}
}

// WithUpdatedSince filters executions updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil filters executions updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithSortOrder changes the returned order of executions.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStates(input []State) []State {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[State]struct{}, len(input))
	result := make([]State, 0, len(input))
	for _, state := range input {
		if !IsValidState(state) {
			continue
		}
		if _, ok := seen[state]; ok {
			continue
		}
		seen[state] = struct{}{}
		result = append(result, state)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
