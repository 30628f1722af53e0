package errors

// WrapStorage wraps err as a storage failure for the given component. Nil stays nil.
func WrapStorage(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	se := NewStorageError(op, err)
	se.Component = component
	return se
}
