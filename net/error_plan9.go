//go:build plan9

package net

func IsConnectionBrokenError(err error) bool {
	return false
}

func IsConnectionRefusedError(err error) bool {
	return false
}
