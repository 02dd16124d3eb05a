package keys

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// KeyStore holds every pool a registry or agent needs, keyed by prefix.
// "vpn:root" and "vpn:particles:<cell_id>" pools are centralized; "vpn:backbone"
// is paired.
type KeyStore struct {
	pools map[string]*Pool
}

func NewKeyStore() *KeyStore {
	return &KeyStore{pools: map[string]*Pool{}}
}

func (ks *KeyStore) Pool(prefix string, paired bool) *Pool {
	p, ok := ks.pools[prefix]
	if !ok {
		p = NewPool(prefix, paired)
		ks.pools[prefix] = p
	}
	return p
}

func (ks *KeyStore) ParticlesPrefix(cellID string) string {
	return fmt.Sprintf("vpn:particles:%s", cellID)
}

const (
	PrefixRoot     = "vpn:root"
	PrefixBackbone = "vpn:backbone"
)

// keysFileName is the single file a KeyStore's pools are serialized to,
// mirroring the one-file-per-table convention internal/store uses, except a
// KeyStore has exactly one "table": the full pool set.
const keysFileName = "keys.json"

// Save persists every pool to dir/keys.json, using the same atomic
// create-temp-then-rename pattern as internal/store.Store.writeTableLocked.
func (ks *KeyStore) Save(dir string) error {
	raw, err := json.MarshalIndent(ks.pools, "", "  ")
	if err != nil {
		return fmt.Errorf("keys: marshal pools: %w", err)
	}
	path := filepath.Join(dir, keysFileName)
	tmp, err := os.CreateTemp(dir, "keys.*.tmp")
	if err != nil {
		return fmt.Errorf("keys: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("keys: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keys: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("keys: rename temp file: %w", err)
	}
	return nil
}

// Load reads dir/keys.json, returning a fresh empty KeyStore if the file
// doesn't exist yet (a registry that has never called Generate).
func Load(dir string) (*KeyStore, error) {
	raw, err := os.ReadFile(filepath.Join(dir, keysFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return NewKeyStore(), nil
		}
		return nil, fmt.Errorf("keys: read %s: %w", keysFileName, err)
	}
	pools := map[string]*Pool{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &pools); err != nil {
			return nil, fmt.Errorf("keys: decode %s: %w", keysFileName, err)
		}
	}
	return &KeyStore{pools: pools}, nil
}

// SetReadonly marks every known pool readonly, used by an agent's imported
// key store view (it must never mint new material on its own).
func (ks *KeyStore) SetReadonly(ro bool) {
	for _, p := range ks.pools {
		p.Readonly = ro
	}
}
