// Package sftpx fetches files from SFTP servers. A Manager keeps one SSH
// session per server and identity, shared by all workers; sftp.Client
// multiplexes concurrent requests over it.
package sftpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/credentials"
	"github.com/JakeFAU/bundlefetch/internal/metrics"
	"github.com/JakeFAU/bundlefetch/internal/policy/ratelimit"
	"github.com/JakeFAU/bundlefetch/internal/retry"
)

// ParamCredentialID overrides the manager's default credential set.
const ParamCredentialID = "credential_id"

const defaultPort = "22"

// Config controls the SFTP manager.
type Config struct {
	DialTimeout    time.Duration    `mapstructure:"dial_timeout"`
	CredentialID   string           `mapstructure:"credential_id"`
	KnownHostsFile string           `mapstructure:"known_hosts"`
	RateLimit      ratelimit.Config `mapstructure:",squash"`
	Retry          retry.Config     `mapstructure:"-"`
}

// Dialer opens an SFTP session to addr. The returned closer releases the
// underlying transport.
type Dialer func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*sftp.Client, io.Closer, error)

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCredentials sets the credential provider.
func WithCredentials(p credentials.Provider) Option {
	return func(m *Manager) { m.creds = p }
}

// WithDialer replaces the SSH dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dial = d
		}
	}
}

// WithRetryOptions passes options through to the retry engine.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(m *Manager) { m.retryOpts = append(m.retryOpts, opts...) }
}

type session struct {
	client *sftp.Client
	closer io.Closer
}

// close tears down the transport before the client: sftp.Client.Close waits
// for its receive loop, which only ends once the transport is gone.
func (s *session) close() error {
	err := s.closer.Close()
	_ = s.client.Close()
	return err
}

// sessionKey identifies a pooled session. Requests using different
// credentials against the same server never share one.
type sessionKey struct {
	addr   string
	user   string
	credID string
}

func keyFor(u *url.URL, credID string) sessionKey {
	return sessionKey{addr: hostPort(u), user: u.User.Username(), credID: credID}
}

// Manager owns SFTP sessions, rate limiting and retries.
type Manager struct {
	cfg       Config
	creds     credentials.Provider
	dial      Dialer
	limiter   *ratelimit.Limiter
	engine    *retry.Engine
	logger    *zap.Logger
	retryOpts []retry.Option

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	m := &Manager{
		cfg:      cfg,
		dial:     dialSSH,
		limiter:  ratelimit.New(cfg.RateLimit),
		logger:   zap.NewNop(),
		sessions: make(map[sessionKey]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	retryOpts := append([]retry.Option{
		retry.WithLogger(m.logger),
		retry.WithObserver(func(int, time.Duration, error) { metrics.ObserveRetry("sftp") }),
	}, m.retryOpts...)
	engine, err := retry.New(cfg.Retry, retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("sftp retry policy: %w", err)
	}
	m.engine = engine
	return m, nil
}

// Open opens the remote file named by req.URL. The caller closes the file.
func (m *Manager) Open(ctx context.Context, req bundle.RequestMeta) (*sftp.File, fs.FileInfo, error) {
	u, err := parse(req.URL)
	if err != nil {
		return nil, nil, err
	}
	credID := req.Param(ParamCredentialID, m.cfg.CredentialID)

	type opened struct {
		file *sftp.File
		info fs.FileInfo
	}
	var permanent error
	res, err := retry.Execute(ctx, m.engine, func(ctx context.Context) (opened, error) {
		client, err := m.client(ctx, u, credID)
		if err != nil {
			return opened{}, err
		}
		f, err := client.Open(u.Path)
		if err != nil {
			if remoteError(err) {
				permanent = fmt.Errorf("open %s: %w", req.URL, err)
				return opened{}, nil
			}
			m.drop(u, credID, err)
			return opened{}, fmt.Errorf("open %s: %w", req.URL, err)
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			m.drop(u, credID, err)
			return opened{}, fmt.Errorf("stat %s: %w", req.URL, err)
		}
		return opened{file: f, info: info}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if permanent != nil {
		return nil, nil, permanent
	}
	return res.file, res.info, nil
}

// List returns the regular files in the directory named by dirURL.
func (m *Manager) List(ctx context.Context, dirURL string) ([]fs.FileInfo, error) {
	u, err := parse(dirURL)
	if err != nil {
		return nil, err
	}
	credID := m.cfg.CredentialID
	var permanent error
	files, err := retry.Execute(ctx, m.engine, func(ctx context.Context) ([]fs.FileInfo, error) {
		client, err := m.client(ctx, u, credID)
		if err != nil {
			return nil, err
		}
		entries, err := client.ReadDir(u.Path)
		if err != nil {
			if remoteError(err) {
				permanent = fmt.Errorf("list %s: %w", dirURL, err)
				return nil, nil
			}
			m.drop(u, credID, err)
			return nil, fmt.Errorf("list %s: %w", dirURL, err)
		}
		files := entries[:0]
		for _, e := range entries {
			if e.Mode().IsRegular() {
				files = append(files, e)
			}
		}
		return files, nil
	})
	if err != nil {
		return nil, err
	}
	if permanent != nil {
		return nil, permanent
	}
	return files, nil
}

// Close ends every open session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for key, s := range m.sessions {
		errs = append(errs, s.close())
		delete(m.sessions, key)
	}
	return errors.Join(errs...)
}

func (m *Manager) client(ctx context.Context, u *url.URL, credID string) (*sftp.Client, error) {
	if err := m.limiter.Wait(ctx, u.String()); err != nil {
		return nil, err
	}
	key := keyFor(u, credID)

	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if ok {
		return s.client, nil
	}

	cfg, err := m.clientConfig(ctx, u, credID)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	client, closer, err := m.dial(dialCtx, key.addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", key.addr, err)
	}
	fresh := &session{client: client, closer: closer}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		// Another worker won the dial race.
		_ = fresh.close()
		return s.client, nil
	}
	m.sessions[key] = fresh
	m.logger.Info("sftp session opened",
		zap.String("addr", key.addr),
		zap.String("user", cfg.User),
		zap.String("credential_id", credID),
	)
	return client, nil
}

// remoteError reports failures the server answered with, which retrying
// cannot fix.
func remoteError(err error) bool {
	var status *sftp.StatusError
	return errors.As(err, &status) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission)
}

// drop forgets the session for u so the next attempt redials.
func (m *Manager) drop(u *url.URL, credID string, err error) {
	key := keyFor(u, credID)
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if ok {
		_ = s.close()
		m.logger.Warn("sftp session dropped", zap.String("addr", key.addr), zap.Error(err))
	}
}

func (m *Manager) clientConfig(ctx context.Context, u *url.URL, credID string) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:    u.User.Username(),
		Timeout: m.cfg.DialTimeout,
	}
	if m.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(m.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		cfg.HostKeyCallback = cb
	} else {
		//nolint:gosec // host key pinning is opt-in via known_hosts.
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if credID == "" {
		return cfg, nil
	}
	if m.creds == nil {
		return nil, fmt.Errorf("credentials %q requested but no provider is configured", credID)
	}
	creds, err := m.creds.Get(ctx, credID)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	if user := creds["username"]; user != "" {
		cfg.User = user
	}
	if key := creds["private_key"]; key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse private key %q: %w", credID, err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if pw := creds["password"]; pw != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(pw))
	}
	return cfg, nil
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*sftp.Client, io.Closer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("ssh handshake: %w", err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, nil, fmt.Errorf("start sftp subsystem: %w", err)
	}
	return client, sshClient, nil
}

func parse(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "sftp" || u.Host == "" {
		return nil, fmt.Errorf("not an sftp url: %s", rawURL)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Path = path.Clean(u.Path)
	return u, nil
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port)
}
