//go:build linux

package styx

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// NetlinkLinks manages tap devices through rtnetlink.
type NetlinkLinks struct{}

func NewNetlinkLinks() *NetlinkLinks {
	return &NetlinkLinks{}
}

func (l *NetlinkLinks) Exists(_ context.Context, ns, name string) (bool, error) {
	h, err := handleFor(ns)
	if err != nil {
		return false, err
	}
	defer h.Close()

	if _, err := h.LinkByName(name); err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("lookup link %s: %w", name, err)
	}
	return true, nil
}

func (l *NetlinkLinks) Release(_ context.Context, ns, name string) error {
	h, err := handleFor(ns)
	if err != nil {
		return err
	}
	defer h.Close()

	link, err := h.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("lookup link %s: %w", name, err)
	}
	if err := h.LinkDel(link); err != nil {
		return fmt.Errorf("delete link %s: %w", name, err)
	}
	return nil
}

// handleFor opens a netlink socket bound to ns without switching the
// calling thread into it.
func handleFor(ns string) (*netlink.Handle, error) {
	if ns == "" {
		return netlink.NewHandle()
	}

	var (
		nsh netns.NsHandle
		err error
	)
	if filepath.IsAbs(ns) {
		nsh, err = netns.GetFromPath(ns)
	} else {
		nsh, err = netns.GetFromName(ns)
	}
	if err != nil {
		return nil, fmt.Errorf("open netns %s: %w", ns, err)
	}
	defer nsh.Close()

	h, err := netlink.NewHandleAt(nsh)
	if err != nil {
		return nil, fmt.Errorf("netlink handle in %s: %w", ns, err)
	}
	return h, nil
}
