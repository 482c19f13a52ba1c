package configserver

import (
	"net/netip"

	"micod/internal/menu"
	"micod/internal/syscontext"
)

// Built-in cell names. Config clients write these names back verbatim.
const (
	keyDeviceName   = "Device Name"
	keyManufacturer = "Manufacturer"
	keyModel        = "Model"
	keyFirmware     = "Firmware"
	keySerial       = "Serial Number"
	keyBootCount    = "Boot Count"

	keySSID     = "Wi-Fi"
	keyPassword = "Password"
	keyDHCP     = "DHCP"
	keyIP       = "IP address"
	keyNetmask  = "Net Mask"
	keyGateway  = "Gateway"
	keyDNS      = "DNS Server"
	keyChannel  = "Channel"
	keySecurity = "Security"
)

// DeviceInfo is the static identity reported with every read.
type DeviceInfo struct {
	Manufacturer string
	Model        string
	Firmware     string
	Serial       string
	Protocol     string
}

// buildTree renders a fresh menu: the system sectors followed by whatever
// the delegate appends.
func (s *Server) buildTree() (*menu.SectorArray, error) {
	sys := s.config.Store.System()
	dev := s.config.Device

	device := &cells{list: menu.NewCellList()}
	device.str(keyDeviceName, sys.Name, menu.ReadWrite)
	device.str(keyManufacturer, dev.Manufacturer, menu.ReadOnly)
	device.str(keyModel, dev.Model, menu.ReadOnly)
	device.str(keyFirmware, dev.Firmware, menu.ReadOnly)
	device.str(keySerial, dev.Serial, menu.ReadOnly)
	device.num(keyBootCount, int(sys.BootCount), menu.ReadOnly)

	wlan := &cells{list: menu.NewCellList()}
	wlan.str(keySSID, sys.SSID, menu.ReadWrite)
	wlan.str(keyPassword, sys.UserKey, menu.ReadWrite)
	wlan.boolean(keyDHCP, sys.DHCP, menu.ReadWrite)
	wlan.str(keyIP, addrString(sys.IP), menu.ReadWrite)
	wlan.str(keyNetmask, addrString(sys.Netmask), menu.ReadWrite)
	wlan.str(keyGateway, addrString(sys.Gateway), menu.ReadWrite)
	wlan.str(keyDNS, addrString(sys.DNS), menu.ReadWrite)
	wlan.num(keyChannel, int(sys.Channel), menu.ReadOnly)
	wlan.str(keySecurity, sys.Security.String(), menu.ReadOnly)

	if device.err != nil {
		return nil, device.err
	}
	if wlan.err != nil {
		return nil, wlan.err
	}

	root := menu.NewSectorArray()
	if _, err := root.AddSector("Device", device.list); err != nil {
		return nil, err
	}
	if _, err := root.AddSector("WLAN", wlan.list); err != nil {
		return nil, err
	}

	s.config.Delegate.Report(root, s.config.Store)
	return root, nil
}

// cells keeps the first builder error.
type cells struct {
	list *menu.CellList
	err  error
}

func (c *cells) str(name, value string, priv menu.Privilege) {
	if c.err == nil {
		_, c.err = c.list.AddString(name, value, priv)
	}
}

func (c *cells) num(name string, value int, priv menu.Privilege) {
	if c.err == nil {
		_, c.err = c.list.AddNumber(name, value, priv)
	}
}

func (c *cells) boolean(name string, value bool, priv menu.Privilege) {
	if c.err == nil {
		_, c.err = c.list.AddBool(name, value, priv)
	}
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

// setter stages one built-in write. reboot reports whether the change only
// takes effect after a restart.
type setter struct {
	apply  func(w *pendingWrite, v any) error
	reboot bool
}

var setters = map[string]setter{
	keyDeviceName: {apply: func(w *pendingWrite, v any) error {
		name := v.(string)
		w.ops = append(w.ops, func(sys *syscontext.SystemConfig) error {
			sys.Name = name
			return nil
		})
		return nil
	}},
	keySSID: {reboot: true, apply: func(w *pendingWrite, v any) error {
		ssid := v.(string)
		w.ssid = &ssid
		return nil
	}},
	keyPassword: {reboot: true, apply: func(w *pendingWrite, v any) error {
		pass := v.(string)
		w.passphrase = &pass
		return nil
	}},
	keyDHCP: {reboot: true, apply: func(w *pendingWrite, v any) error {
		on := v.(bool)
		w.ops = append(w.ops, func(sys *syscontext.SystemConfig) error {
			sys.DHCP = on
			return nil
		})
		return nil
	}},
	keyIP:      addrSetter(func(sys *syscontext.SystemConfig) *netip.Addr { return &sys.IP }),
	keyNetmask: addrSetter(func(sys *syscontext.SystemConfig) *netip.Addr { return &sys.Netmask }),
	keyGateway: addrSetter(func(sys *syscontext.SystemConfig) *netip.Addr { return &sys.Gateway }),
	keyDNS:     addrSetter(func(sys *syscontext.SystemConfig) *netip.Addr { return &sys.DNS }),
}

func addrSetter(field func(*syscontext.SystemConfig) *netip.Addr) setter {
	return setter{reboot: true, apply: func(w *pendingWrite, v any) error {
		var addr netip.Addr
		if s := v.(string); s != "" {
			a, err := netip.ParseAddr(s)
			if err != nil || !a.Is4() {
				return &valueError{msg: "not an IPv4 address: " + s}
			}
			addr = a
		}
		w.ops = append(w.ops, func(sys *syscontext.SystemConfig) error {
			*field(sys) = addr
			return nil
		})
		return nil
	}}
}

// pendingWrite collects the built-in changes of one write request so they
// are committed together.
type pendingWrite struct {
	ops        []func(*syscontext.SystemConfig) error
	ssid       *string
	passphrase *string
}

func (w *pendingWrite) empty() bool {
	return len(w.ops) == 0 && w.ssid == nil && w.passphrase == nil
}

func (w *pendingWrite) apply(sys *syscontext.SystemConfig, _ []byte) error {
	for _, op := range w.ops {
		if err := op(sys); err != nil {
			return err
		}
	}
	if w.ssid == nil && w.passphrase == nil {
		return nil
	}

	ssid, pass := sys.SSID, sys.UserKey
	if w.ssid != nil {
		ssid = *w.ssid
	}
	if w.passphrase != nil {
		pass = *w.passphrase
	}
	if err := sys.SetCredentials(ssid, pass); err != nil {
		return err
	}
	sys.Configured = ssid != ""
	return nil
}
