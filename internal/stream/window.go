package stream

// Window collects items until its predicate accepts the buffer, then
// flushes the buffer as one slice. A Window is not safe for concurrent
// use.
type Window[T any] struct {
	buf   []T
	ready func([]T) bool
}

// NewWindow creates a window that flushes when ready(buffer) is true.
func NewWindow[T any](ready func([]T) bool) *Window[T] {
	return &Window[T]{ready: ready}
}

// CountWindow flushes every n items.
func CountWindow[T any](n int) *Window[T] {
	return NewWindow(func(buf []T) bool {
		return len(buf) >= n
	})
}

// Add appends items and returns the flushed buffer when the window is
// ready, or nil.
func (w *Window[T]) Add(items ...T) []T {
	w.buf = append(w.buf, items...)
	if !w.ready(w.buf) {
		return nil
	}
	out := w.buf
	w.buf = nil
	return out
}
