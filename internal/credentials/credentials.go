// Package credentials reads the bearer token and user identity that the
// authentication collaborator maintains. Three stores are supported:
// the bbolt state database, the OS keyring and a YAML token file.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
	"github.com/alexjbarnes/timebank-sync/internal/config"
	errs "github.com/alexjbarnes/timebank-sync/internal/errors"
	"github.com/alexjbarnes/timebank-sync/internal/state"
)

const (
	keyringService = "timebank-sync"
	keyringItemKey = "session"
)

// Source loads the current credentials.
type Source interface {
	Load() (state.Credentials, error)
}

// Writer is implemented by sources that can also store credentials
// (used by the CLI login command).
type Writer interface {
	Save(creds state.Credentials) error
	Clear() error
}

func validate(creds state.Credentials) (state.Credentials, error) {
	creds.Token = strings.TrimSpace(creds.Token)
	creds.UserID = strings.TrimSpace(creds.UserID)

	if creds.Token == "" || creds.UserID == "" {
		return state.Credentials{}, errs.ErrNoCredentials
	}

	return creds, nil
}

// BoltSource reads credentials from the state database.
type BoltSource struct {
	state *state.State
}

// NewBoltSource wraps an open state database.
func NewBoltSource(st *state.State) *BoltSource {
	return &BoltSource{state: st}
}

func (b *BoltSource) Load() (state.Credentials, error) {
	creds, ok, err := b.state.Credentials()
	if err != nil {
		return state.Credentials{}, err
	}

	if !ok {
		return state.Credentials{}, errs.ErrNoCredentials
	}

	return validate(creds)
}

func (b *BoltSource) Save(creds state.Credentials) error {
	if _, err := validate(creds); err != nil {
		return err
	}

	return b.state.SetCredentials(creds)
}

func (b *BoltSource) Clear() error {
	return b.state.ClearCredentials()
}

// openKeyring is replaced in tests with an in-memory keyring.
var openKeyring = keyring.Open

// KeyringSource reads credentials from the OS keyring.
type KeyringSource struct {
	ring keyring.Keyring
}

// NewKeyringSource opens the keyring for the timebank-sync service.
// backend "file" forces the encrypted file backend (headless Linux).
func NewKeyringSource(backend, password string) (*KeyringSource, error) {
	cfg := keyring.Config{
		ServiceName: keyringService,
	}

	if backend == keyringBackendFile {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
		cfg.FileDir = filepath.Join(home, ".timebank-sync", "keyring")
		cfg.FilePasswordFunc = keyring.FixedStringPrompt(password)
	}

	ring, err := openKeyring(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}

	return &KeyringSource{ring: ring}, nil
}

const keyringBackendFile = "file"

func (k *KeyringSource) Load() (state.Credentials, error) {
	item, err := k.ring.Get(keyringItemKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return state.Credentials{}, errs.ErrNoCredentials
	}

	if err != nil {
		return state.Credentials{}, fmt.Errorf("reading keyring: %w", err)
	}

	var creds state.Credentials
	if err := json.Unmarshal(item.Data, &creds); err != nil {
		return state.Credentials{}, fmt.Errorf("decoding keyring credentials: %w", err)
	}

	return validate(creds)
}

func (k *KeyringSource) Save(creds state.Credentials) error {
	creds, err := validate(creds)
	if err != nil {
		return err
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshalling credentials: %w", err)
	}

	return k.ring.Set(keyring.Item{
		Key:         keyringItemKey,
		Data:        data,
		Label:       "timebank-sync session",
		Description: "bearer token for the timebank push channel",
	})
}

func (k *KeyringSource) Clear() error {
	err := k.ring.Remove(keyringItemKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}

	return err
}

// Open builds the source selected by the configuration. The returned
// close function releases any underlying handle.
func Open(cfg *config.Config) (Source, func() error, error) {
	noop := func() error { return nil }

	switch cfg.CredentialsBackend {
	case config.BackendBolt:
		st, err := state.LoadAt(cfg.StateDBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading state: %w", err)
		}

		return NewBoltSource(st), st.Close, nil

	case config.BackendKeyring:
		src, err := NewKeyringSource(cfg.KeyringBackend, cfg.KeyringPassword)
		if err != nil {
			return nil, nil, err
		}

		return src, noop, nil

	case config.BackendFile:
		return NewFileSource(cfg.CredentialsFile), noop, nil
	}

	return nil, nil, fmt.Errorf("unknown credentials backend %q", cfg.CredentialsBackend)
}
