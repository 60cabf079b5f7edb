package meshproto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// DefaultChannelKey is the well-known key selected by the one-byte PSK 0x01
// ("AQ==" in base64).
var DefaultChannelKey = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// DefaultChannelKeyBase64 is the configured form of DefaultChannelKey.
const DefaultChannelKeyBase64 = "AQ=="

// ExpandChannelKey turns a base64 channel PSK into an AES key. An empty key
// or the single byte 0x00 means the channel is unencrypted and yields nil.
// Single-byte values 0x01..0xff select the default key with its last byte
// offset by value-1.
func ExpandChannelKey(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("meshproto: channel key: %w", err)
	}
	switch len(raw) {
	case 0:
		return nil, nil
	case 1:
		if raw[0] == 0 {
			return nil, nil
		}
		key := append([]byte(nil), DefaultChannelKey...)
		key[len(key)-1] += raw[0] - 1
		return key, nil
	case 16, 32:
		return raw, nil
	default:
		return nil, fmt.Errorf("meshproto: channel key: %d bytes, want 1, 16 or 32", len(raw))
	}
}

// ChannelHash is the one-byte channel number carried in MeshPacket.channel:
// the xor of the channel name bytes xor the xor of the expanded key bytes.
func ChannelHash(name string, key []byte) uint32 {
	var h byte
	for i := 0; i < len(name); i++ {
		h ^= name[i]
	}
	for _, k := range key {
		h ^= k
	}
	return uint32(h)
}

// Crypt encrypts or decrypts a packet payload with AES-CTR. The nonce is the
// packet id as a little-endian uint64 followed by the sender node number.
// A nil key returns the input unchanged.
func Crypt(key []byte, packetID, from uint32, in []byte) ([]byte, error) {
	if len(key) == 0 {
		return append([]byte(nil), in...), nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("meshproto: cipher: %w", err)
	}
	var iv [aes.BlockSize]byte
	binary.LittleEndian.PutUint64(iv[0:8], uint64(packetID))
	binary.LittleEndian.PutUint32(iv[8:12], from)
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, in)
	return out, nil
}

// Decrypt recovers the Data message of an encrypted packet.
func Decrypt(p *MeshPacket, key []byte) (*Data, error) {
	plain, err := Crypt(key, p.ID, p.From, p.Encrypted)
	if err != nil {
		return nil, err
	}
	d, err := UnmarshalData(plain)
	if err != nil {
		return nil, err
	}
	// A wrong key almost always yields a zero or absurd port.
	if d.PortNum <= 0 {
		return nil, fmt.Errorf("meshproto: decrypt: implausible port %d", d.PortNum)
	}
	return d, nil
}

// Encrypt replaces p.Decoded with its encrypted form under key. With a nil
// key the packet is left decoded.
func Encrypt(p *MeshPacket, key []byte) error {
	if len(key) == 0 || p.Decoded == nil {
		return nil
	}
	enc, err := Crypt(key, p.ID, p.From, p.Decoded.Marshal())
	if err != nil {
		return err
	}
	p.Encrypted = enc
	p.Decoded = nil
	return nil
}
