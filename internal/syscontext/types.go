package syscontext

import (
	"fmt"
	"net/netip"
	"strings"
)

// ConfigSource records how the current Wi-Fi credentials were obtained.
type ConfigSource uint8

const (
	SourceNone ConfigSource = iota
	SourceEasyLinkV2
	SourceEasyLinkPlus
	SourceEasyLinkMinus
	SourceAirKiss
	SourceSoftAP
	SourceWAC
)

var sourceNames = [...]string{
	SourceNone:          "none",
	SourceEasyLinkV2:    "easylink_v2",
	SourceEasyLinkPlus:  "easylink_plus",
	SourceEasyLinkMinus: "easylink_minus",
	SourceAirKiss:       "airkiss",
	SourceSoftAP:        "soft_ap",
	SourceWAC:           "wac",
}

func (s ConfigSource) String() string {
	if int(s) < len(sourceNames) {
		return sourceNames[s]
	}
	return fmt.Sprintf("ConfigSource(%d)", uint8(s))
}

// ParseConfigSource parses the name produced by ConfigSource.String.
func ParseConfigSource(name string) (ConfigSource, error) {
	for i, n := range sourceNames {
		if n == name {
			return ConfigSource(i), nil
		}
	}
	return SourceNone, fmt.Errorf("%w: unknown config source %q", ErrInvalidArgument, name)
}

// Security is the Wi-Fi security type of the stored network.
type Security uint8

const (
	SecurityOpen Security = iota
	SecurityWEP
	SecurityWPATKIP
	SecurityWPAAES
	SecurityWPA2TKIP
	SecurityWPA2AES
	SecurityWPA2Mixed
	SecurityAuto
)

var securityNames = [...]string{
	SecurityOpen:      "open",
	SecurityWEP:       "wep",
	SecurityWPATKIP:   "wpa_tkip",
	SecurityWPAAES:    "wpa_aes",
	SecurityWPA2TKIP:  "wpa2_tkip",
	SecurityWPA2AES:   "wpa2_aes",
	SecurityWPA2Mixed: "wpa2_mixed",
	SecurityAuto:      "auto",
}

func (s Security) String() string {
	if int(s) < len(securityNames) {
		return securityNames[s]
	}
	return fmt.Sprintf("Security(%d)", uint8(s))
}

// Field limits of the durable image.
const (
	MaxNameLen    = 64
	MaxSSIDLen    = 32
	MaxUserKeyLen = 64
	MaxKeyLen     = 32
)

// SystemConfig is the framework-owned part of the context record.
type SystemConfig struct {
	// Name is the device name shown to config clients.
	Name string

	// SSID of the stored network.
	SSID string
	// UserKey is the passphrase as entered by the user.
	UserKey string
	// Key is the derived key used by the radio (the PSK for WPA/WPA2).
	Key []byte
	// BSSID of the access point last associated with.
	BSSID [6]byte
	// Channel last associated on, 0 for any.
	Channel uint8
	// Security type negotiated with the access point.
	Security Security

	// DHCP selects dynamic addressing. When false the static fields apply.
	DHCP    bool
	IP      netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr
	DNS     netip.Addr

	// ConfigSource records how the credentials were provisioned.
	ConfigSource ConfigSource
	// Configured reports whether the device holds usable credentials.
	Configured bool

	// BootCount counts context loads since the last factory image.
	BootCount uint32
	// Seq is incremented by every Update.
	Seq uint32
}

// Clone returns a deep copy.
func (c SystemConfig) Clone() SystemConfig {
	c.Key = append([]byte(nil), c.Key...)
	return c
}

// Validate checks that every field fits the durable image.
func (c *SystemConfig) Validate() error {
	switch {
	case len(c.Name) > MaxNameLen:
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidArgument, MaxNameLen)
	case len(c.SSID) > MaxSSIDLen:
		return fmt.Errorf("%w: ssid exceeds %d bytes", ErrInvalidArgument, MaxSSIDLen)
	case len(c.UserKey) > MaxUserKeyLen:
		return fmt.Errorf("%w: user key exceeds %d bytes", ErrInvalidArgument, MaxUserKeyLen)
	case len(c.Key) > MaxKeyLen:
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidArgument, MaxKeyLen)
	}
	// Strings are NUL padded in the image.
	for _, v := range []string{c.Name, c.SSID, c.UserKey} {
		if strings.IndexByte(v, 0) >= 0 {
			return fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidArgument, v)
		}
	}
	// All zeros is stored as unset, so 0.0.0.0 cannot be kept.
	for _, a := range []netip.Addr{c.IP, c.Netmask, c.Gateway, c.DNS} {
		if !a.IsValid() {
			continue
		}
		if !a.Is4() {
			return fmt.Errorf("%w: %s is not an IPv4 address", ErrInvalidArgument, a)
		}
		if a.IsUnspecified() {
			return fmt.Errorf("%w: unspecified address %s", ErrInvalidArgument, a)
		}
	}
	return nil
}

// BSSIDString formats the BSSID as colon separated hex.
func (c *SystemConfig) BSSIDString() string {
	b := c.BSSID
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}
