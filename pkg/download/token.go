package download

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
	"github.com/platinummonkey/auditkeep/pkg/observability"
)

const (
	// DefaultWindow is how long an issued token stays valid
	DefaultWindow = 24 * time.Hour
	// DefaultGrace keeps expired tokens around long enough to answer "expired"
	// instead of "not found"
	DefaultGrace = 7 * 24 * time.Hour

	tokenBytes = 32
)

var (
	// ErrTokenNotFound is returned by a Store for an unknown hash
	ErrTokenNotFound = errors.New("download token not found")
	// ErrTokenConsumed is returned by a Store when the token was already used or revoked
	ErrTokenConsumed = errors.New("download token already consumed")
)

// File is the export artifact a token grants access to
type File struct {
	JobID          string `json:"job_id"`
	OrganizationID string `json:"organization_id"`
	Key            string `json:"key"`
	Filename       string `json:"filename"`
	ContentType    string `json:"content_type"`
	Size           int64  `json:"size"`
}

// Token is an issued download credential. Value is derived from Ref with the
// service secret; callers persist Ref and call Reveal when the value is needed.
type Token struct {
	Value     string    `json:"token"`
	Ref       string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	File      File      `json:"-"`
}

// Record is what a Store keeps under the token hash
type Record struct {
	File      File      `json:"file"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// Store persists token records by hash. Consume must be atomic: of any number of
// concurrent calls for one hash, exactly one succeeds. Peek reads without consuming.
type Store interface {
	Put(ctx context.Context, hash string, rec Record, ttl time.Duration) error
	Peek(ctx context.Context, hash string) (Record, error)
	Consume(ctx context.Context, hash string) (Record, error)
	Revoke(ctx context.Context, hash string) error
}

// Config controls token lifetime and derivation. Instances sharing a token store
// must share Secret; an empty Secret is replaced by a random per-process one.
type Config struct {
	Window time.Duration
	Grace  time.Duration
	Secret []byte
}

// Service issues and resolves single-use download tokens
type Service struct {
	store   Store
	cfg     Config
	logger  logrus.FieldLogger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates a token service
func NewService(store Store, cfg Config, logger logrus.FieldLogger, metrics *observability.Metrics) *Service {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if len(cfg.Secret) == 0 {
		cfg.Secret = make([]byte, tokenBytes)
		rand.Read(cfg.Secret) //nolint:errcheck
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		logger:  logger.WithField("component", "download_tokens"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Window returns the validity window of issued tokens
func (s *Service) Window() time.Duration {
	return s.cfg.Window
}

// Issue mints a token for f
func (s *Service) Issue(ctx context.Context, f File) (Token, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return Token{}, fmt.Errorf("failed to generate download token: %w", err)
	}
	ref := base64.RawURLEncoding.EncodeToString(buf)
	value := s.Reveal(ref)

	now := s.now().UTC()
	rec := Record{
		File:      f,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.Window),
	}
	if err := s.store.Put(ctx, hashToken(value), rec, s.cfg.Window+s.cfg.Grace); err != nil {
		return Token{}, fmt.Errorf("failed to store download token: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":     f.JobID,
		"expires_at": rec.ExpiresAt,
	}).Debug("download token issued")

	return Token{Value: value, Ref: ref, ExpiresAt: rec.ExpiresAt, File: f}, nil
}

// Reveal derives the token value issued under ref
func (s *Service) Reveal(ref string) string {
	if ref == "" {
		return ""
	}
	mac := hmac.New(sha256.New, s.cfg.Secret)
	mac.Write([]byte(ref))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Lookup returns the file of a usable token without consuming it. Errors match
// Resolve.
func (s *Service) Lookup(ctx context.Context, value string) (File, error) {
	if value == "" {
		s.metrics.DownloadResolved("not_found")
		return File{}, errcode.New(errcode.DownloadTokenNotFound, "download token not found")
	}
	rec, err := s.store.Peek(ctx, hashToken(value))
	return s.check(rec, err, false)
}

// Resolve consumes a token and returns its file. Unknown tokens are
// DOWNLOAD_TOKEN_NOT_FOUND; expired, used and revoked tokens are
// DOWNLOAD_TOKEN_EXPIRED.
func (s *Service) Resolve(ctx context.Context, value string) (File, error) {
	if value == "" {
		s.metrics.DownloadResolved("not_found")
		return File{}, errcode.New(errcode.DownloadTokenNotFound, "download token not found")
	}
	rec, err := s.store.Consume(ctx, hashToken(value))
	return s.check(rec, err, true)
}

// check classifies a store result. Failures are always counted; success only when
// the token was consumed, so a Lookup followed by Resolve counts once.
func (s *Service) check(rec Record, err error, consumed bool) (File, error) {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		s.metrics.DownloadResolved("not_found")
		return File{}, errcode.New(errcode.DownloadTokenNotFound, "download token not found")
	case errors.Is(err, ErrTokenConsumed):
		s.metrics.DownloadResolved("consumed")
		return File{}, errcode.New(errcode.DownloadTokenExpired, "download token has already been used")
	case err != nil:
		s.metrics.DownloadResolved("error")
		return File{}, errcode.Wrap(errcode.Internal, "failed to resolve download token", err)
	}

	if !s.now().Before(rec.ExpiresAt) {
		s.metrics.DownloadResolved("expired")
		return File{}, errcode.New(errcode.DownloadTokenExpired, "download token has expired")
	}

	if consumed {
		s.metrics.DownloadResolved("ok")
	}
	return rec.File, nil
}

// Revoke invalidates the token issued under ref so later resolves report it expired
func (s *Service) Revoke(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	if err := s.store.Revoke(ctx, hashToken(s.Reveal(ref))); err != nil && !errors.Is(err, ErrTokenNotFound) {
		return fmt.Errorf("failed to revoke download token: %w", err)
	}
	return nil
}

func hashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
