package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	errs "github.com/alexjbarnes/timebank-sync/internal/errors"
	"github.com/alexjbarnes/timebank-sync/internal/state"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	// fileDebounce batches the burst of events an atomic rename or an
	// editor save produces into a single reload.
	fileDebounce = 200 * time.Millisecond

	tokenFilePerm = fs.FileMode(0o600)
)

// tokenFile is the on-disk YAML layout:
//
//	token: abc123
//	user_id: "42"
type tokenFile struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
}

// FileSource reads credentials from a YAML token file written by the
// sign-in flow. Watch reports rotations.
type FileSource struct {
	path string
}

// NewFileSource returns a source for the token file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Load() (state.Credentials, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return state.Credentials{}, errs.ErrNoCredentials
	}

	if err != nil {
		return state.Credentials{}, fmt.Errorf("reading token file: %w", err)
	}

	var tf tokenFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return state.Credentials{}, fmt.Errorf("parsing token file: %w", err)
	}

	return validate(state.Credentials{Token: tf.Token, UserID: tf.UserID})
}

func (f *FileSource) Save(creds state.Credentials) error {
	creds, err := validate(creds)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(tokenFile{Token: creds.Token, UserID: creds.UserID})
	if err != nil {
		return fmt.Errorf("marshalling token file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating token dir: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, tokenFilePerm); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing token file: %w", err)
	}

	return os.Rename(tmp, f.path)
}

func (f *FileSource) Clear() error {
	err := os.Remove(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}

// Watch calls onChange with freshly loaded credentials whenever the token
// file is written, created or renamed into place. The parent directory
// is watched so atomic replacements are seen. Unreadable or incomplete
// files are logged and skipped. Blocks until ctx is cancelled.
func (f *FileSource) Watch(ctx context.Context, logger *slog.Logger, onChange func(state.Credentials)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching token dir: %w", err)
	}

	target := filepath.Clean(f.path)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(fileDebounce)
			} else {
				timer.Reset(fileDebounce)
			}

			timerCh = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			logger.Warn("token watcher error", slog.String("error", err.Error()))

		case <-timerCh:
			timerCh = nil

			creds, err := f.Load()
			if err != nil {
				logger.Warn("reloading token file", slog.String("error", err.Error()))
				continue
			}

			logger.Info("credentials rotated", slog.String("user_id", creds.UserID))
			onChange(creds)
		}
	}
}
