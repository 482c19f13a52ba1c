package system

import (
	"errors"
	"fmt"
	"time"

	"micod/internal/config"
	"micod/internal/notify"
	"micod/internal/syscontext"
)

// sourceForMode maps a configured provisioning mode to the source recorded
// in the context.
func sourceForMode(mode string) syscontext.ConfigSource {
	switch mode {
	case config.ConfigModeSoftAP:
		return syscontext.SourceSoftAP
	case config.ConfigModeWAC:
		return syscontext.SourceWAC
	default:
		return syscontext.SourceEasyLinkV2
	}
}

// StartProvisioning waits for network credentials from a provisioning
// client for the configured timeout. In easylink_with_softap mode the soft
// AP takes over when the timeout passes; in every other mode provisioning
// stops.
func (s *System) StartProvisioning() error {
	mode := s.cfg.WiFi.ConfigMode

	s.provMu.Lock()
	if s.provisioning {
		s.provMu.Unlock()
		return ErrProvisioning
	}
	s.provisioning = true
	s.authRejected = false
	s.softAP = mode == config.ConfigModeSoftAP
	timeout := time.Duration(s.cfg.WiFi.EasyLinkTimeoutMs) * time.Millisecond
	s.provTimer = time.AfterFunc(timeout, s.provisioningTimedOut)
	s.provMu.Unlock()

	s.logger.Info("provisioning started", "mode", mode, "timeout", timeout)
	s.delegate.ConfigWillStart(s.Context)
	if mode == config.ConfigModeSoftAP {
		s.delegate.SoftAPWillStart(s.Context)
	}
	return nil
}

// StopProvisioning ends provisioning without credentials.
func (s *System) StopProvisioning() error {
	if !s.endProvisioning() {
		return ErrNotProvisioning
	}
	s.logger.Info("provisioning stopped")
	s.delegate.ConfigWillStop(s.Context)
	return nil
}

// Provisioning reports whether provisioning is running.
func (s *System) Provisioning() bool {
	s.provMu.Lock()
	defer s.provMu.Unlock()
	return s.provisioning
}

func (s *System) endProvisioning() bool {
	s.provMu.Lock()
	defer s.provMu.Unlock()
	if !s.provisioning {
		return false
	}
	s.provisioning = false
	s.softAP = false
	if s.provTimer != nil {
		s.provTimer.Stop()
		s.provTimer = nil
	}
	return true
}

func (s *System) provisioningTimedOut() {
	s.provMu.Lock()
	if !s.provisioning {
		s.provMu.Unlock()
		return
	}
	fallback := s.cfg.WiFi.ConfigMode == config.ConfigModeEasyLinkWithSoftAP && !s.softAP
	if fallback {
		s.softAP = true
		s.provTimer = nil
	}
	s.provMu.Unlock()

	if fallback {
		s.logger.Info("provisioning timed out, starting soft AP")
		s.delegate.SoftAPWillStart(s.Context)
		return
	}
	s.logger.Warn("provisioning timed out")
	_ = s.StopProvisioning()
}

// Provisioned stores received credentials: the passphrase is kept and the
// radio key derived from it, the context is marked configured and
// persisted, and provisioning ends.
func (s *System) Provisioned(source syscontext.ConfigSource, ssid, passphrase string) error {
	s.provMu.Lock()
	rejected := s.authRejected
	s.provMu.Unlock()
	if rejected {
		return ErrAuthRejected
	}

	s.delegate.ConfigRecvSSID(ssid, passphrase, s.Context)

	err := s.Context.Commit(func(sys *syscontext.SystemConfig, _ []byte) error {
		if err := sys.SetCredentials(ssid, passphrase); err != nil {
			return err
		}
		sys.ConfigSource = source
		sys.Configured = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}

	s.logger.Info("provisioning succeeded", "source", source, "ssid", ssid)
	s.delegate.ConfigSuccess(source, s.Context)
	if s.endProvisioning() {
		s.delegate.ConfigWillStop(s.Context)
	}
	return nil
}

// listen installs the built-in listeners.
func (s *System) listen() {
	s.handles = append(s.handles,
		registration{notify.WiFiParaChanged, notify.Register(s.Registry, notify.WiFiParaChanged, s.onWiFiPara)},
		registration{notify.DHCPCompleted, notify.Register(s.Registry, notify.DHCPCompleted, s.onDHCP)},
		registration{notify.EasyLinkWPSCompleted, notify.Register(s.Registry, notify.EasyLinkWPSCompleted, s.onEasyLink)},
		registration{notify.EasyLinkGetExtraData, notify.Register(s.Registry, notify.EasyLinkGetExtraData, s.onExtraData)},
	)
}

// onWiFiPara keeps the parameters negotiated with the stored network so
// the next association can skip the scan.
func (s *System) onWiFiPara(p notify.WiFiPara) {
	err := s.Context.Commit(func(sys *syscontext.SystemConfig, _ []byte) error {
		if p.SSID != sys.SSID {
			return errForeignNetwork
		}
		sys.BSSID = p.BSSID
		sys.Channel = p.Channel
		sys.Security = syscontext.Security(p.Security)
		if n := len(p.Key); n > 0 && n <= syscontext.MaxKeyLen {
			sys.Key = append([]byte(nil), p.Key...)
		}
		return nil
	})
	switch {
	case errors.Is(err, errForeignNetwork):
		s.logger.Debug("ignoring parameters of another network", "ssid", p.SSID)
	case err != nil:
		s.logger.Error("save wifi parameters", "error", err)
	}
}

var errForeignNetwork = fmt.Errorf("%w: parameters for another network", syscontext.ErrInvalidArgument)

// onDHCP records the leased address for display. Static configurations
// are left alone.
func (s *System) onDHCP(r notify.DHCPResult) {
	err := s.Context.Mutate(func(sys *syscontext.SystemConfig, _ []byte) error {
		if !sys.DHCP {
			return nil
		}
		sys.IP, sys.Netmask, sys.Gateway, sys.DNS = r.IP, r.Netmask, r.Gateway, r.DNS
		return nil
	})
	if err != nil {
		s.logger.Warn("ignoring DHCP lease", "ip", r.IP, "error", err)
		return
	}
	s.logger.Info("address leased", "ip", r.IP, "gateway", r.Gateway, "mac", r.MAC)
}

func (s *System) onEasyLink(r notify.EasyLinkResult) {
	if !s.Provisioning() {
		return
	}
	if !r.Success {
		s.provisioningTimedOut()
		return
	}
	if err := s.Provisioned(sourceForMode(s.cfg.WiFi.ConfigMode), r.SSID, r.Passphrase); err != nil {
		s.logger.Error("provisioning failed", "error", err)
	}
}

func (s *System) onExtraData(e notify.EasyLinkExtra) {
	if err := s.delegate.ConfigRecvAuthData(e.Data, s.Context); err != nil {
		s.provMu.Lock()
		s.authRejected = true
		s.provMu.Unlock()
		s.logger.Warn("provisioning auth data rejected", "error", err)
	}
}
