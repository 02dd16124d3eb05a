package wgconf

import (
	"encoding/hex"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uvnmesh/uvn/internal/keys"
)

func TestRender_NoPeers(t *testing.T) {
	kp, err := keys.GenerateKeypair()
	require.NoError(t, err)

	out, err := Render(DeviceConfig{PrivateKey: kp, ListenPort: 51820})
	require.NoError(t, err)

	require.Contains(t, out, "private_key="+hex.EncodeToString(kp.Private[:]))
	require.Contains(t, out, "listen_port=51820")
	require.Contains(t, out, "replace_peers=true")
	require.NotContains(t, out, "public_key=")
}

func TestRender_PeerWithPSKAndEndpoint(t *testing.T) {
	local, err := keys.GenerateKeypair()
	require.NoError(t, err)
	remote, err := keys.GenerateKeypair()
	require.NoError(t, err)
	psk, err := keys.GeneratePSK()
	require.NoError(t, err)

	out, err := Render(DeviceConfig{
		PrivateKey: local,
		ListenPort: 51821,
		Peers: []PeerConfig{{
			PublicKey:           keys.Keypair{Public: remote.Public},
			PSK:                 &psk,
			Endpoint:            "198.51.100.1:51821",
			AllowedIPs:          []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")},
			PersistentKeepalive: 25,
		}},
	})
	require.NoError(t, err)

	require.Contains(t, out, "public_key="+hex.EncodeToString(remote.Public[:]))
	require.Contains(t, out, "replace_allowed_ips=true")
	require.Contains(t, out, "preshared_key="+hex.EncodeToString(psk[:]))
	require.Contains(t, out, "endpoint=198.51.100.1:51821")
	require.Contains(t, out, "allowed_ip=10.0.0.2/32")
	require.Contains(t, out, "persistent_keepalive_interval=25")

	// public_key must precede replace_allowed_ips for this peer, matching
	// the UAPI protocol's per-peer field ordering requirement.
	require.Less(t,
		strings.Index(out, "public_key="),
		strings.Index(out, "replace_allowed_ips=true"),
	)
}

func TestRender_PeerWithoutOptionalFields(t *testing.T) {
	local, err := keys.GenerateKeypair()
	require.NoError(t, err)
	remote, err := keys.GenerateKeypair()
	require.NoError(t, err)

	out, err := Render(DeviceConfig{
		PrivateKey: local,
		ListenPort: 51822,
		Peers: []PeerConfig{{
			PublicKey:  keys.Keypair{Public: remote.Public},
			AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.3/32")},
		}},
	})
	require.NoError(t, err)

	require.NotContains(t, out, "preshared_key=")
	require.NotContains(t, out, "endpoint=")
	require.NotContains(t, out, "persistent_keepalive_interval=")
	require.Contains(t, out, "allowed_ip=10.0.0.3/32")
}

func TestRender_MultiplePeersEachGetReplaceAllowedIPs(t *testing.T) {
	local, err := keys.GenerateKeypair()
	require.NoError(t, err)
	r1, err := keys.GenerateKeypair()
	require.NoError(t, err)
	r2, err := keys.GenerateKeypair()
	require.NoError(t, err)

	out, err := Render(DeviceConfig{
		PrivateKey: local,
		ListenPort: 51823,
		Peers: []PeerConfig{
			{PublicKey: keys.Keypair{Public: r1.Public}, AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.4/32")}},
			{PublicKey: keys.Keypair{Public: r2.Public}, AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.5/32")}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(out, "replace_allowed_ips=true"))
	require.Equal(t, 2, strings.Count(out, "public_key="))
}
