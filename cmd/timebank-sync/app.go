package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/timebank-sync/internal/config"
	"github.com/alexjbarnes/timebank-sync/internal/credentials"
	"github.com/alexjbarnes/timebank-sync/internal/logging"
	"github.com/alexjbarnes/timebank-sync/internal/models"
	"github.com/alexjbarnes/timebank-sync/internal/state"
	"github.com/alexjbarnes/timebank-sync/timebank"
)

// app holds what every command needs: output streams, global flags and
// lazily loaded configuration.
type app struct {
	con   *console
	quiet bool

	loadConfig func() (*config.Config, error)
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		con:        &console{out: stdout, errOut: stderr},
		loadConfig: config.Load,
	}
}

func (a *app) logger(cfg *config.Config) *slog.Logger {
	if a.quiet {
		return logging.Discard()
	}

	return logging.NewLogger(cfg.Environment)
}

// credentialStore opens the configured credential source. The caller
// must call the returned close function.
func (a *app) credentialStore() (*config.Config, credentials.Source, func() error, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	src, closeFn, err := credentials.Open(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening credentials: %w", err)
	}

	return cfg, src, closeFn, nil
}

// sessionOptions tune openSession for a command.
type sessionOptions struct {
	push        bool
	notifier    timebank.Notifier
	onMessage   func(models.Message)
	onConnState func(timebank.ConnState)
}

// liveSession is a started session plus everything that must be released
// with it.
type liveSession struct {
	*timebank.Session

	cfg    *config.Config
	src    credentials.Source
	logger *slog.Logger
	close  func() error
}

func (l *liveSession) Close() {
	l.Session.Close()

	if err := l.close(); err != nil {
		l.logger.Warn("closing credential store", slog.String("error", err.Error()))
	}
}

// openSession loads credentials and starts a session. One-shot commands
// run without a push connection.
func (a *app) openSession(ctx context.Context, opts sessionOptions) (*liveSession, error) {
	cfg, src, closeFn, err := a.credentialStore()
	if err != nil {
		return nil, err
	}

	creds, err := src.Load()
	if err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	logger := a.logger(cfg)
	a.con.setSelf(creds.UserID)

	s, err := timebank.NewSession(timebank.SessionConfig{
		APIURL:          cfg.APIURL,
		WSURL:           cfg.WSURL,
		Token:           creds.Token,
		UserID:          creds.UserID,
		RefreshInterval: cfg.RefreshInterval,
		MinRefreshGap:   cfg.MinRefreshGap,
		PageSize:        cfg.PageSize,
		DisablePush:     !opts.push,
		HTTPClient:      timebank.NewHTTPClient(cfg.HTTPTimeout),
		Notifier:        opts.notifier,
		OnConnState:     opts.onConnState,
		OnMessage:       opts.onMessage,
		Logger:          logger,
	})
	if err != nil {
		_ = closeFn()
		return nil, err
	}

	live := &liveSession{Session: s, cfg: cfg, src: src, logger: logger, close: closeFn}

	if err := s.Start(ctx); err != nil {
		live.Close()
		return nil, err
	}

	return live, nil
}

// selectConversation resolves query to one conversation and selects it.
// An exact id wins, otherwise the query must match exactly one
// conversation by name or title.
func selectConversation(s *liveSession, query string) (models.Conversation, error) {
	matches := s.Find(query)

	switch {
	case len(matches) == 0:
		return models.Conversation{}, fmt.Errorf("no conversation matches %q", query)
	case len(matches) > 1 && matches[0].HandshakeID != query:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, fmt.Sprintf("%s (%s)", m.Counterpart.Name, m.HandshakeID))
		}

		return models.Conversation{}, fmt.Errorf("%q is ambiguous: %s", query, strings.Join(names, ", "))
	}

	if err := s.Select(matches[0].HandshakeID); err != nil {
		return models.Conversation{}, err
	}

	conv, _ := s.Selected()

	return conv, nil
}

// saveCredentials stores creds when the configured source is writable.
func saveCredentials(src credentials.Source, creds state.Credentials) error {
	w, ok := src.(credentials.Writer)
	if !ok {
		return errors.New("the configured credential backend is read-only")
	}

	return w.Save(creds)
}

// clearCredentials removes stored credentials when the source is writable.
func clearCredentials(src credentials.Source) error {
	w, ok := src.(credentials.Writer)
	if !ok {
		return errors.New("the configured credential backend is read-only")
	}

	return w.Clear()
}
