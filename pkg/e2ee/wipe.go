package e2ee

import "runtime"

// Zero overwrites sensitive bytes in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
