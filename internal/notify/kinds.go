package notify

import (
	"net/netip"
	"reflect"
)

// ID identifies a notification kind.
type ID int

const (
	idWiFiScanCompleted ID = iota + 1
	idWiFiStatusChanged
	idWiFiParaChanged
	idDHCPCompleted
	idEasyLinkWPSCompleted
	idEasyLinkGetExtraData
	idTCPClientConnected
	idDNSResolveCompleted
	idSysWillPowerOff
	idWiFiConnectFailed
	idWiFiScanAdvCompleted
	idWiFiFatalError
	idStackOverflowError
	idCount
)

// AnyKind is implemented by every Kind regardless of payload type.
type AnyKind interface {
	ID() ID
	String() string
}

// Kind is a notification kind whose listeners receive payloads of type P.
type Kind[P any] struct {
	id ID
}

// ID returns the kind's identifier.
func (k Kind[P]) ID() ID { return k.id }

func (k Kind[P]) String() string { return k.id.String() }

func (id ID) String() string {
	if info, ok := kinds[id]; ok {
		return info.name
	}
	return "unknown"
}

// Notification kinds. The set is closed.
var (
	WiFiScanCompleted    = Kind[ScanResult]{idWiFiScanCompleted}
	WiFiStatusChanged    = Kind[WiFiStatus]{idWiFiStatusChanged}
	WiFiParaChanged      = Kind[WiFiPara]{idWiFiParaChanged}
	DHCPCompleted        = Kind[DHCPResult]{idDHCPCompleted}
	EasyLinkWPSCompleted = Kind[EasyLinkResult]{idEasyLinkWPSCompleted}
	EasyLinkGetExtraData = Kind[EasyLinkExtra]{idEasyLinkGetExtraData}
	TCPClientConnected   = Kind[TCPClient]{idTCPClientConnected}
	DNSResolveCompleted  = Kind[DNSResult]{idDNSResolveCompleted}
	SysWillPowerOff      = Kind[PowerOff]{idSysWillPowerOff}
	WiFiConnectFailed    = Kind[ConnectFailure]{idWiFiConnectFailed}
	WiFiScanAdvCompleted = Kind[ScanAdvResult]{idWiFiScanAdvCompleted}
	WiFiFatalError       = Kind[FatalError]{idWiFiFatalError}
	StackOverflowError   = Kind[StackOverflow]{idStackOverflowError}
)

type kindInfo struct {
	name    string
	payload reflect.Type
}

var kinds = map[ID]kindInfo{
	idWiFiScanCompleted:    {"wifi_scan_completed", reflect.TypeFor[ScanResult]()},
	idWiFiStatusChanged:    {"wifi_status_changed", reflect.TypeFor[WiFiStatus]()},
	idWiFiParaChanged:      {"wifi_para_changed", reflect.TypeFor[WiFiPara]()},
	idDHCPCompleted:        {"dhcp_completed", reflect.TypeFor[DHCPResult]()},
	idEasyLinkWPSCompleted: {"easylink_wps_completed", reflect.TypeFor[EasyLinkResult]()},
	idEasyLinkGetExtraData: {"easylink_get_extra_data", reflect.TypeFor[EasyLinkExtra]()},
	idTCPClientConnected:   {"tcp_client_connected", reflect.TypeFor[TCPClient]()},
	idDNSResolveCompleted:  {"dns_resolve_completed", reflect.TypeFor[DNSResult]()},
	idSysWillPowerOff:      {"sys_will_power_off", reflect.TypeFor[PowerOff]()},
	idWiFiConnectFailed:    {"wifi_connect_failed", reflect.TypeFor[ConnectFailure]()},
	idWiFiScanAdvCompleted: {"wifi_scan_adv_completed", reflect.TypeFor[ScanAdvResult]()},
	idWiFiFatalError:       {"wifi_fatal_error", reflect.TypeFor[FatalError]()},
	idStackOverflowError:   {"stack_overflow_error", reflect.TypeFor[StackOverflow]()},
}

// Kinds returns every kind identifier in declaration order.
func Kinds() []ID {
	ids := make([]ID, 0, len(kinds))
	for id := idWiFiScanCompleted; id < idCount; id++ {
		ids = append(ids, id)
	}
	return ids
}

// ParseID returns the kind with the given name.
func ParseID(name string) (ID, bool) {
	for id, info := range kinds {
		if info.name == name {
			return id, true
		}
	}
	return 0, false
}

// AccessPoint is one entry of a basic scan.
type AccessPoint struct {
	SSID string
	RSSI int
}

// ScanResult is delivered for WiFiScanCompleted.
type ScanResult struct {
	APs []AccessPoint
}

// WiFiEvent is a station or soft AP link change.
type WiFiEvent int

const (
	StationUp WiFiEvent = iota + 1
	StationDown
	SoftAPUp
	SoftAPDown
)

func (e WiFiEvent) String() string {
	switch e {
	case StationUp:
		return "station_up"
	case StationDown:
		return "station_down"
	case SoftAPUp:
		return "soft_ap_up"
	case SoftAPDown:
		return "soft_ap_down"
	default:
		return "unknown"
	}
}

// WiFiStatus is delivered for WiFiStatusChanged.
type WiFiStatus struct {
	Event WiFiEvent
}

// WiFiPara is delivered for WiFiParaChanged with the parameters negotiated
// on association.
type WiFiPara struct {
	SSID     string
	BSSID    [6]byte
	Channel  uint8
	Security uint8
	Key      []byte
}

// DHCPResult is delivered for DHCPCompleted.
type DHCPResult struct {
	IP      netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr
	DNS     netip.Addr
	MAC     string
}

// EasyLinkResult is delivered for EasyLinkWPSCompleted. Success is false
// when provisioning timed out.
type EasyLinkResult struct {
	Success    bool
	SSID       string
	Passphrase string
}

// EasyLinkExtra is delivered for EasyLinkGetExtraData.
type EasyLinkExtra struct {
	Data []byte
}

// TCPClient is delivered for TCPClientConnected.
type TCPClient struct {
	Remote netip.AddrPort
}

// DNSResult is delivered for DNSResolveCompleted.
type DNSResult struct {
	Host string
	Addr netip.Addr
}

// PowerOff is delivered for SysWillPowerOff.
type PowerOff struct {
	State  string
	Reason string
}

// ConnectFailure is delivered for WiFiConnectFailed.
type ConnectFailure struct {
	SSID string
	Err  error
}

// AdvancedAccessPoint is one entry of an advanced scan.
type AdvancedAccessPoint struct {
	SSID     string
	BSSID    [6]byte
	RSSI     int
	Channel  uint8
	Security uint8
}

// ScanAdvResult is delivered for WiFiScanAdvCompleted.
type ScanAdvResult struct {
	APs []AdvancedAccessPoint
}

// FatalError is delivered for WiFiFatalError.
type FatalError struct {
	Reason string
}

// StackOverflow is delivered for StackOverflowError.
type StackOverflow struct {
	Task string
}
