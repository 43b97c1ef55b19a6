package policy

import "context"

// Engine is the interface to the external policy engine. Implementations
// must return an error for any transport or protocol failure; the adapter
// turns every error into a deny.
type Engine interface {
	// SelectFilter returns the visibility decision for reading one table.
	SelectFilter(ctx context.Context, in Input, table, alias string) (TableDecision, error)
}
