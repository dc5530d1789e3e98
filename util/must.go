package util

// Must unwraps value, panicking on err. Use it only where err signals a
// programming mistake.
func Must[V any](value V, err error) V {
	if err != nil {
		panic(err)
	}
	return value
}
