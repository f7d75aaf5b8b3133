package netutil

import "context"

// Source identifies which of the two merged channels produced an Item.
type Source int

const (
	// SourceA is the first channel passed to Merge.
	SourceA Source = iota
	// SourceB is the second channel passed to Merge.
	SourceB
)

// Item is one value yielded by Merge, tagged with its origin.
type Item struct {
	Source Source
	Value  []byte
}

// Merge fans two receive-only byte-slice channels into one, tagging each
// yielded value with its source. This is the Go-native translation of the
// source's `join_async_streams` async generator (Design Note: "merge is a
// loop over two pending next()s with first-ready selection"), and
// implements the fairness contract of spec.md §4.5/§4.5's "Merge contract":
// at most one pending receive per source at a time, each completion yields
// (source, value) and re-arms that source's receive.
//
// Go's select statement picks uniformly at random among ready cases, so a
// producer that is always ready never starves the other (P6): if both a and
// b have pending values on a given iteration, each has an equal chance of
// being chosen, and the loop immediately iterates again to drain the other.
//
// Merge terminates — closing the returned channel — as soon as either a or
// b is closed (end-of-iteration on one source ends the whole merge, per the
// spec's merge contract) or ctx is cancelled. Cancelling ctx is the
// equivalent of cancelling the merge: both pending receives are abandoned
// and no further sends are attempted.
func Merge(ctx context.Context, a, b <-chan []byte) <-chan Item {
	out := make(chan Item)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return

			case v, ok := <-a:
				if !ok {
					return
				}
				select {
				case out <- Item{Source: SourceA, Value: v}:
				case <-ctx.Done():
					return
				}

			case v, ok := <-b:
				if !ok {
					return
				}
				select {
				case out <- Item{Source: SourceB, Value: v}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
