//go:build !linux

package thanatos

func unmount(path string) error {
	return nil
}
