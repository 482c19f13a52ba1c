package syscontext

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// pskIterations is fixed by IEEE 802.11i.
const pskIterations = 4096

// DerivePSK returns the 32-byte WPA/WPA2 pre-shared key for a network. A
// 64 character hex passphrase is taken as the PSK itself. An empty
// passphrase yields nil for open networks.
func DerivePSK(ssid, passphrase string) ([]byte, error) {
	switch n := len(passphrase); {
	case n == 0:
		return nil, nil
	case n == 2*MaxKeyLen:
		if raw, err := hex.DecodeString(passphrase); err == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("%w: 64 character passphrase must be hex", ErrInvalidArgument)
	case n < 8 || n > 63:
		return nil, fmt.Errorf("%w: passphrase must be 8 to 63 characters", ErrInvalidArgument)
	}
	if len(ssid) == 0 || len(ssid) > MaxSSIDLen {
		return nil, fmt.Errorf("%w: ssid length %d", ErrInvalidArgument, len(ssid))
	}
	return pbkdf2.Key([]byte(passphrase), []byte(ssid), pskIterations, MaxKeyLen, sha1.New), nil
}

// SetCredentials stores ssid and passphrase and derives the radio key.
func (c *SystemConfig) SetCredentials(ssid, passphrase string) error {
	key, err := DerivePSK(ssid, passphrase)
	if err != nil {
		return err
	}
	c.SSID = ssid
	c.UserKey = passphrase
	c.Key = key
	return nil
}
