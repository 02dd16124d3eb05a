// Package wgtun brings up one WireGuard-backed overlay link: a TUN device
// configured via golang.zx2c4.com/wireguard's userspace device (no kernel
// WireGuard module or wgctrl dependency, grounded on
// november1306-go-vpn/internal/wireguard/device.go) plus /31 overlay
// addressing and interface bring-up via vishvananda/netlink, grounded on the
// teacher's own client/doublezerod/internal/netlink/tunnel.go and
// manager.go (createBaseTunnel / CreateTunnel / Close), generalized from GRE
// tunnels to WireGuard links.
package wgtun

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/uvnmesh/uvn/internal/wgconf"
)

// Link is one WireGuard overlay interface: a local /31 endpoint with one or
// more peers multiplexed onto the same device (backbone links use one
// interface per remote cell; the particles-VPN hub interface multiplexes
// every particle peer onto a single device).
type Link struct {
	Name         string
	LocalOverlay netip.Prefix // a /31 or /32, this side's overlay address
	ListenPort   int

	dev *device.Device
	tun tun.Device
}

// Netlinker is the narrow surface wgtun needs from vishvananda/netlink,
// mirroring the teacher's own Netlinker interface so tests can substitute a
// fake without a real kernel.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	LinkDel(link netlink.Link) error
}

type realNetlink struct{}

func (realNetlink) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (realNetlink) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrAdd(link, addr)
}
func (realNetlink) LinkSetUp(link netlink.Link) error   { return netlink.LinkSetUp(link) }
func (realNetlink) LinkSetDown(link netlink.Link) error { return netlink.LinkSetDown(link) }
func (realNetlink) LinkDel(link netlink.Link) error     { return netlink.LinkDel(link) }

// Manager brings WireGuard links up and down for one agent process.
type Manager struct {
	nl    Netlinker
	links map[string]*Link
}

func NewManager() *Manager {
	return &Manager{nl: realNetlink{}, links: map[string]*Link{}}
}

// NewManagerWithNetlink lets tests substitute a fake Netlinker.
func NewManagerWithNetlink(nl Netlinker) *Manager {
	return &Manager{nl: nl, links: map[string]*Link{}}
}

// Up creates the named TUN device, attaches a userspace WireGuard device to
// it, applies overlay addressing, and brings the interface up. If the
// interface already exists under this name it is reused (idempotent reload).
func (m *Manager) Up(name string, localOverlay netip.Prefix, listenPort int) (*Link, error) {
	if l, ok := m.links[name]; ok {
		return l, nil
	}

	tunDev, err := tun.CreateTUN(name, device.DefaultMTU)
	if err != nil {
		return nil, fmt.Errorf("wgtun: create tun %s: %w", name, err)
	}

	logger := device.NewLogger(device.LogLevelError, fmt.Sprintf("(%s) ", name))
	wgDev := device.NewDevice(tunDev, conn.NewDefaultBind(), logger)

	link := &Link{Name: name, LocalOverlay: localOverlay, ListenPort: listenPort, dev: wgDev, tun: tunDev}

	if err := m.addrAndUp(link); err != nil {
		wgDev.Close()
		tunDev.Close()
		return nil, err
	}

	m.links[name] = link
	return link, nil
}

func (m *Manager) addrAndUp(link *Link) error {
	nlLink, err := m.nl.LinkByName(link.Name)
	if err != nil {
		return fmt.Errorf("wgtun: link %s not found after tun create: %w", link.Name, err)
	}
	addr, err := netlink.ParseAddr(link.LocalOverlay.String())
	if err != nil {
		return fmt.Errorf("wgtun: parse overlay addr %s: %w", link.LocalOverlay, err)
	}
	if err := m.nl.AddrAdd(nlLink, addr); err != nil {
		return fmt.Errorf("wgtun: add addr to %s: %w", link.Name, err)
	}
	if err := m.nl.LinkSetUp(nlLink); err != nil {
		return fmt.Errorf("wgtun: link up %s: %w", link.Name, err)
	}
	return nil
}

// Configure pushes a rendered UAPI peer set into the device, replacing
// whatever peers were previously configured (see wgconf.Render's
// replace_peers=true). Call this again whenever the deployment's peer set
// for this link changes.
func (m *Manager) Configure(name string, cfg wgconf.DeviceConfig) error {
	link, ok := m.links[name]
	if !ok {
		return fmt.Errorf("wgtun: no such link %s", name)
	}
	uapi, err := wgconf.Render(cfg)
	if err != nil {
		return fmt.Errorf("wgtun: render config for %s: %w", name, err)
	}
	if err := link.dev.IpcSet(uapi); err != nil {
		return fmt.Errorf("wgtun: ipc set %s: %w", name, err)
	}
	return nil
}

// Down tears a link down: device close, tun close, link delete. Errors are
// joined rather than short-circuited, per the teacher's own Close() teardown
// in client/doublezerod/internal/netlink/manager.go.
func (m *Manager) Down(name string) error {
	link, ok := m.links[name]
	if !ok {
		return nil
	}
	var errDevice, errTun, errLink error

	func() {
		defer func() { recover() }()
		link.dev.Close()
	}()

	if err := link.tun.Close(); err != nil {
		errTun = fmt.Errorf("wgtun: close tun %s: %w", name, err)
	}

	if nlLink, err := m.nl.LinkByName(name); err == nil {
		if err := m.nl.LinkDel(nlLink); err != nil {
			errLink = fmt.Errorf("wgtun: delete link %s: %w", name, err)
		}
	}

	delete(m.links, name)
	return errors.Join(errDevice, errTun, errLink)
}

// DownAll tears down every managed link, joining every error encountered
// rather than stopping at the first.
func (m *Manager) DownAll() error {
	var errs []error
	for name := range m.links {
		if err := m.Down(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Links returns the names of every currently-up link.
func (m *Manager) Links() []string {
	names := make([]string, 0, len(m.links))
	for name := range m.links {
		names = append(names, name)
	}
	return names
}
