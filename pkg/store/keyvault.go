package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// KeyVault stores API keys in a JSON file next to the database, keyed by
// account id. Keys never enter the accounts table.
type KeyVault struct {
	mu   sync.Mutex
	path string
}

// NewKeyVault returns a vault backed by the file at path.
func NewKeyVault(path string) *KeyVault {
	return &KeyVault{path: path}
}

// load reads the vault. A missing file yields an empty map; a corrupt file
// is an error (writing over it would lose keys).
func (v *KeyVault) load() (map[string]string, error) {
	data, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, wrap("read key vault", err)
	}
	keys := map[string]string{}
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, wrap("parse key vault", err)
	}
	return keys, nil
}

// save writes the vault atomically (temp file + rename).
func (v *KeyVault) save(keys map[string]string) error {
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return wrap("encode key vault", err)
	}
	tmp := v.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(v.path), 0o755); err != nil {
		return wrap("create vault dir", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return wrap("write key vault", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return wrap("replace key vault", err)
	}
	return nil
}

// Save stores the key for an account id.
func (v *KeyVault) Save(accountID, apiKey string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.load()
	if err != nil {
		return err
	}
	keys[accountID] = apiKey
	return v.save(keys)
}

// Get returns the key for an account id, or a key_not_found error.
func (v *KeyVault) Get(accountID string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.load()
	if err != nil {
		return "", err
	}
	key, ok := keys[accountID]
	if !ok {
		return "", storeErr(KindKeyNotFound, "API key not found for account %s", accountID)
	}
	return key, nil
}

// Delete removes the key for an account id. Deleting a missing key is not
// an error.
func (v *KeyVault) Delete(accountID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := keys[accountID]; !ok {
		return nil
	}
	delete(keys, accountID)
	return v.save(keys)
}
