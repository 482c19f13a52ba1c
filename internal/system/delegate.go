package system

import "micod/internal/syscontext"

// Delegate receives provisioning events. Embed NopDelegate to implement
// only the hooks an application cares about.
type Delegate interface {
	// ConfigWillStart is called before provisioning begins.
	ConfigWillStart(ctx *syscontext.Store)
	// ConfigWillStop is called when provisioning ends, by success or timeout.
	ConfigWillStop(ctx *syscontext.Store)
	// SoftAPWillStart is called before the soft AP is brought up.
	SoftAPWillStart(ctx *syscontext.Store)
	// ConfigRecvSSID is called with the received network before it is
	// stored.
	ConfigRecvSSID(ssid, passphrase string, ctx *syscontext.Store)
	// ConfigRecvAuthData is called with extra data sent by the provisioning
	// client. An error rejects the provisioning.
	ConfigRecvAuthData(data []byte, ctx *syscontext.Store) error
	// ConfigSuccess is called once credentials are stored.
	ConfigSuccess(source syscontext.ConfigSource, ctx *syscontext.Store)
}

// NopDelegate ignores every event and accepts all auth data.
type NopDelegate struct{}

func (NopDelegate) ConfigWillStart(*syscontext.Store)                        {}
func (NopDelegate) ConfigWillStop(*syscontext.Store)                         {}
func (NopDelegate) SoftAPWillStart(*syscontext.Store)                        {}
func (NopDelegate) ConfigRecvSSID(string, string, *syscontext.Store)         {}
func (NopDelegate) ConfigRecvAuthData([]byte, *syscontext.Store) error       { return nil }
func (NopDelegate) ConfigSuccess(syscontext.ConfigSource, *syscontext.Store) {}
