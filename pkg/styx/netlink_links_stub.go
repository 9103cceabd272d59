//go:build !linux

package styx

import "context"

type NetlinkLinks struct{}

func NewNetlinkLinks() *NetlinkLinks {
	return &NetlinkLinks{}
}

func (l *NetlinkLinks) Exists(context.Context, string, string) (bool, error) {
	return false, ErrUnsupported
}

func (l *NetlinkLinks) Release(context.Context, string, string) error {
	return ErrUnsupported
}
