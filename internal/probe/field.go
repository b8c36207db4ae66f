package probe

// Field is one best-effort parsed value. When OK is false, Value is the zero
// value and Reason says why the field could not be produced.
type Field[T any] struct {
	Value  T
	OK     bool
	Reason string
}

func found[T any](v T) Field[T] {
	return Field[T]{Value: v, OK: true}
}

func missing[T any](reason string) Field[T] {
	return Field[T]{Reason: reason}
}

// Ptr returns a pointer to the value, or nil when the field is missing.
func (f Field[T]) Ptr() *T {
	if !f.OK {
		return nil
	}
	v := f.Value
	return &v
}
