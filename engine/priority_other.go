//go:build !linux

package engine

func setNiceness(n int) error {
	return nil
}
