package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.timebank-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket  = []byte("session")
	credentialsKey = []byte("credentials")
)

// Credentials is the authenticated identity written by the sign-in flow.
type Credentials struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State wraps a bbolt database holding the session the authentication
// collaborator maintains. Conversation and message data never touch disk.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Credentials returns the stored credentials. ok is false when nothing
// has been stored yet.
func (s *State) Credentials() (creds Credentials, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(credentialsKey)
		if v == nil {
			return nil
		}

		ok = true

		return json.Unmarshal(v, &creds)
	})
	if err != nil {
		return Credentials{}, false, fmt.Errorf("reading credentials: %w", err)
	}

	return creds, ok, nil
}

// SetCredentials persists credentials, stamping UpdatedAt.
func (s *State) SetCredentials(creds Credentials) error {
	creds.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshalling credentials: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(credentialsKey, data)
	})
}

// ClearCredentials removes stored credentials (sign out).
func (s *State) ClearCredentials() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(credentialsKey)
	})
}

// Token returns the stored bearer token, or empty string.
func (s *State) Token() string {
	creds, _, err := s.Credentials()
	if err != nil {
		return ""
	}

	return creds.Token
}
