//go:build !linux

package hecatoncheir

func bindMount(src, dst string, readOnly bool) error {
	return errBindUnsupported
}
