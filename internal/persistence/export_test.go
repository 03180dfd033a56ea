package persistence

// FailSnapshots makes snapshot encoding return err until the returned
// restore func runs.
func FailSnapshots(err error) (restore func()) {
	prev := marshalSnapshot
	marshalSnapshot = func(any) ([]byte, error) { return nil, err }
	return func() { marshalSnapshot = prev }
}
