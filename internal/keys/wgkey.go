// Package keys implements the VPN key store: WireGuard keypair/PSK pools
// keyed by (prefix, pair-or-peer scope), grounded on uno/registry/vpn_keymat.py's
// assert_pair / purge_peer / drop_keys / clean_dropped_keys contract.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Keypair is a WireGuard-compatible X25519 keypair. Generation follows the
// same clamping golang.zx2c4.com/wireguard itself applies before calling
// curve25519.X25519, since no wgctrl is present anywhere in the example
// corpus to generate it for us (see DESIGN.md).
type Keypair struct {
	Private [32]byte `json:"private"`
	Public  [32]byte `json:"public"`
}

func (k Keypair) PublicString() string  { return base64.StdEncoding.EncodeToString(k.Public[:]) }
func (k Keypair) PrivateString() string { return base64.StdEncoding.EncodeToString(k.Private[:]) }

func GenerateKeypair() (Keypair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return Keypair{}, fmt.Errorf("keys: generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Keypair{}, fmt.Errorf("keys: derive public key: %w", err)
	}
	var kp Keypair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

// PSK is a pre-shared symmetric key mixed into the WireGuard handshake.
type PSK [32]byte

func (p PSK) String() string { return base64.StdEncoding.EncodeToString(p[:]) }

func GeneratePSK() (PSK, error) {
	var psk PSK
	if _, err := rand.Read(psk[:]); err != nil {
		return PSK{}, fmt.Errorf("keys: generate psk: %w", err)
	}
	return psk, nil
}
