package fn

import "iter"

// Batch groups a sequence into slices of n. The last slice may be shorter.
// Each yielded slice is freshly allocated.
func Batch[T any](seq iter.Seq[T], n int) iter.Seq[[]T] {
	return func(yield func([]T) bool) {
		if n <= 0 {
			return
		}
		buf := make([]T, 0, n)
		for v := range seq {
			buf = append(buf, v)
			if len(buf) == n {
				if !yield(buf) {
					return
				}
				buf = make([]T, 0, n)
			}
		}
		if len(buf) > 0 {
			yield(buf)
		}
	}
}

// FlatMapSeq expands each element of seq into zero or more outputs.
func FlatMapSeq[T, U any](seq iter.Seq[T], f func(T) []U) iter.Seq[U] {
	return func(yield func(U) bool) {
		for v := range seq {
			for _, u := range f(v) {
				if !yield(u) {
					return
				}
			}
		}
	}
}
