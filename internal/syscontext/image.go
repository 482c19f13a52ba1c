package syscontext

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net/netip"
)

// Durable image layout, all integers big endian:
//
//	magic[4] version u16 reserved u16 userLen u32
//	system block (systemBlockSize bytes)
//	user segment (userLen bytes)
//	crc32 u32 over everything before it
const (
	imageMagic      = "MICO"
	imageVersion    = uint16(1)
	imageHeaderSize = 12
	systemBlockSize = MaxNameLen + MaxSSIDLen + MaxUserKeyLen + 1 + MaxKeyLen +
		6 + 3 + 16 + 2 + 8
)

// encodeImage serializes the record. The system config must be valid.
func encodeImage(sys *SystemConfig, user []byte) ([]byte, error) {
	if err := sys.Validate(); err != nil {
		return nil, err
	}

	size := imageHeaderSize + systemBlockSize + len(user) + 4
	buf := make([]byte, 0, size)

	var hdr [imageHeaderSize]byte
	copy(hdr[0:4], imageMagic)
	binary.BigEndian.PutUint16(hdr[4:6], imageVersion)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(user)))
	buf = append(buf, hdr[:]...)

	buf = appendFixed(buf, sys.Name, MaxNameLen)
	buf = appendFixed(buf, sys.SSID, MaxSSIDLen)
	buf = appendFixed(buf, sys.UserKey, MaxUserKeyLen)
	buf = append(buf, byte(len(sys.Key)))
	buf = appendFixed(buf, string(sys.Key), MaxKeyLen)
	buf = append(buf, sys.BSSID[:]...)
	buf = append(buf, sys.Channel, byte(sys.Security), boolByte(sys.DHCP))
	for _, a := range []netip.Addr{sys.IP, sys.Netmask, sys.Gateway, sys.DNS} {
		buf = appendAddr(buf, a)
	}
	buf = append(buf, byte(sys.ConfigSource), boolByte(sys.Configured))
	buf = binary.BigEndian.AppendUint32(buf, sys.BootCount)
	buf = binary.BigEndian.AppendUint32(buf, sys.Seq)

	buf = append(buf, user...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf, nil
}

// decodeImage parses and verifies a durable image. Any framing, version or
// checksum problem is reported as ErrCorruptImage.
func decodeImage(buf []byte) (SystemConfig, []byte, error) {
	var sys SystemConfig

	if len(buf) < imageHeaderSize+systemBlockSize+4 {
		return sys, nil, fmt.Errorf("%w: short image (%d bytes)", ErrCorruptImage, len(buf))
	}
	if string(buf[0:4]) != imageMagic {
		return sys, nil, fmt.Errorf("%w: bad magic", ErrCorruptImage)
	}
	if v := binary.BigEndian.Uint16(buf[4:6]); v != imageVersion {
		return sys, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptImage, v)
	}

	userLen := int(binary.BigEndian.Uint32(buf[8:12]))
	if len(buf) != imageHeaderSize+systemBlockSize+userLen+4 {
		return sys, nil, fmt.Errorf("%w: length mismatch", ErrCorruptImage)
	}
	end := len(buf) - 4
	if crc32.ChecksumIEEE(buf[:end]) != binary.BigEndian.Uint32(buf[end:]) {
		return sys, nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptImage)
	}

	r := reader{buf: buf[imageHeaderSize:end]}
	sys.Name = r.fixed(MaxNameLen)
	sys.SSID = r.fixed(MaxSSIDLen)
	sys.UserKey = r.fixed(MaxUserKeyLen)
	keyLen := int(r.byte())
	key := r.next(MaxKeyLen)
	if keyLen > MaxKeyLen {
		return sys, nil, fmt.Errorf("%w: key length %d", ErrCorruptImage, keyLen)
	}
	if keyLen > 0 {
		sys.Key = append([]byte(nil), key[:keyLen]...)
	}
	copy(sys.BSSID[:], r.next(6))
	sys.Channel = r.byte()
	sys.Security = Security(r.byte())
	sys.DHCP = r.byte() != 0
	sys.IP = r.addr()
	sys.Netmask = r.addr()
	sys.Gateway = r.addr()
	sys.DNS = r.addr()
	sys.ConfigSource = ConfigSource(r.byte())
	sys.Configured = r.byte() != 0
	sys.BootCount = binary.BigEndian.Uint32(r.next(4))
	sys.Seq = binary.BigEndian.Uint32(r.next(4))

	user := append([]byte{}, r.next(userLen)...)
	return sys, user, nil
}

func appendFixed(buf []byte, s string, n int) []byte {
	start := len(buf)
	buf = append(buf, make([]byte, n)...)
	copy(buf[start:], s)
	return buf
}

func appendAddr(buf []byte, a netip.Addr) []byte {
	if a.IsValid() {
		b := a.As4()
		return append(buf, b[:]...)
	}
	return append(buf, 0, 0, 0, 0)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) next(n int) []byte {
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	return r.next(1)[0]
}

func (r *reader) fixed(n int) string {
	b := r.next(n)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// addr decodes an IPv4 address; all zeros means unset.
func (r *reader) addr() netip.Addr {
	b := r.next(4)
	if b[0]|b[1]|b[2]|b[3] == 0 {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte(b))
}
