// Package iterutil contains utilities for working with iterators.
package iterutil

import "iter"

// Enumerate adds 0-indexing to a single value iterator.
func Enumerate[T any](seq iter.Seq[T]) iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		var idx int
		for item := range seq {
			if !yield(idx, item) {
				return
			}
			idx++
		}
	}
}

// Uniq yields the distinct elements across one or more slices,
// in order of first appearance.
func Uniq[T comparable](lists ...[]T) iter.Seq[T] {
	return func(yield func(T) bool) {
		seen := make(map[T]struct{})
		for _, list := range lists {
			for _, v := range list {
				if _, ok := seen[v]; ok {
					continue
				}
				seen[v] = struct{}{}
				if !yield(v) {
					return
				}
			}
		}
	}
}
