// Package tokens issues and redeems single-use access credentials. The
// database row is authoritative; the signed JWT only carries its jti.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/config"
	apierrors "github.com/CedrosPay/accessgate/internal/errors"
	"github.com/CedrosPay/accessgate/internal/logger"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/storage"
)

// MinSecretLength is the shortest HS256 secret accepted without a warning.
const MinSecretLength = 32

// Claims is the JWT payload.
type Claims struct {
	MerchantID string `json:"merchantId"`
	ContentID  string `json:"contentId,omitempty"`
	PaymentID  string `json:"paymentId,omitempty"`
	jwt.RegisteredClaims
}

// Redemption describes what a redeemed token granted.
type Redemption struct {
	MerchantID string `json:"merchantId"`
	ContentID  string `json:"contentId,omitempty"`
	PaymentID  string `json:"paymentId,omitempty"`
}

// CreateParams describes a new access token record.
type CreateParams struct {
	MerchantID string
	ContentID  string
	PaymentID  string
	ExpiresAt  time.Time
}

// Issuer signs and verifies access tokens.
type Issuer struct {
	store     storage.Store
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
	issuer    string
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
	random    io.Reader
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithMetrics records token operations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

// WithLogger sets the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(i *Issuer) { i.log = log.With().Str("component", "token_issuer").Logger() }
}

// WithClock replaces time.Now for issuance and validation.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer selects RS256 when both PEM keys are configured, HS256 otherwise.
func NewIssuer(store storage.Store, cfg config.TokensConfig, opts ...Option) (*Issuer, error) {
	i := &Issuer{
		store:  store,
		issuer: cfg.Issuer,
		log:    zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(i)
	}

	if cfg.JWTPrivateKey != "" && cfg.JWTPublicKey != "" {
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.JWTPrivateKey))
		if err != nil {
			return nil, fmt.Errorf("tokens: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKey))
		if err != nil {
			return nil, fmt.Errorf("tokens: parse public key: %w", err)
		}
		i.method, i.signKey, i.verifyKey = jwt.SigningMethodRS256, priv, pub
	} else {
		if cfg.JWTSecret == "" {
			return nil, errors.New("tokens: jwt secret required")
		}
		if len(cfg.JWTSecret) < MinSecretLength {
			i.log.Warn().Int("length", len(cfg.JWTSecret)).Msg("tokens.jwt_secret_too_short")
		}
		i.method, i.signKey, i.verifyKey = jwt.SigningMethodHS256, []byte(cfg.JWTSecret), []byte(cfg.JWTSecret)
	}

	i.log.Info().Str("algorithm", i.method.Alg()).Msg("tokens.issuer_ready")
	return i, nil
}

// Algorithm returns the JWT signing algorithm in use.
func (i *Issuer) Algorithm() string {
	return i.method.Alg()
}

// NewAccessToken builds an unsaved token record with a fresh jti. The
// reconciler persists it inside the payment commit.
func (i *Issuer) NewAccessToken(p CreateParams) (storage.AccessToken, error) {
	jti, err := i.newJTI()
	if err != nil {
		return storage.AccessToken{}, err
	}
	return storage.AccessToken{
		ID:         storage.NewID(),
		JTI:        jti,
		MerchantID: p.MerchantID,
		ContentID:  p.ContentID,
		PaymentID:  p.PaymentID,
		ExpiresAt:  p.ExpiresAt.UTC(),
		CreatedAt:  i.now(),
	}, nil
}

// CreateAccessToken persists a standalone token record.
func (i *Issuer) CreateAccessToken(ctx context.Context, p CreateParams) (storage.AccessToken, error) {
	if p.MerchantID == "" {
		return storage.AccessToken{}, apierrors.New(apierrors.ErrCodeMissingField, "merchantId is required")
	}
	token, err := i.NewAccessToken(p)
	if err != nil {
		return storage.AccessToken{}, apierrors.Wrap(apierrors.ErrCodeInternalError, "generate token id", err)
	}
	if err := i.store.CreateAccessToken(ctx, token); err != nil {
		return storage.AccessToken{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "persist access token", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("token_id", token.ID).
		Str("jti", token.JTI).
		Str("merchant_id", token.MerchantID).
		Msg("token.created")
	return token, nil
}

// IssueToken signs a JWT for a stored, unexpired record.
func (i *Issuer) IssueToken(ctx context.Context, jti string) (string, error) {
	record, err := i.store.GetAccessToken(ctx, jti)
	if errors.Is(err, storage.ErrNotFound) {
		i.metrics.ObserveToken("issue", "not_found")
		return "", apierrors.Wrap(apierrors.ErrCodeTokenNotFound, "access token not found", err)
	}
	if err != nil {
		return "", apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load access token", err)
	}
	return i.Sign(record)
}

// Sign produces the JWT for record without touching storage.
func (i *Issuer) Sign(record storage.AccessToken) (string, error) {
	now := i.now()
	if record.Expired(now) {
		i.metrics.ObserveToken("issue", "expired")
		return "", apierrors.New(apierrors.ErrCodeTokenExpired, "access token has expired")
	}

	claims := Claims{
		MerchantID: record.MerchantID,
		ContentID:  record.ContentID,
		PaymentID:  record.PaymentID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        record.JTI,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.signKey)
	if err != nil {
		return "", apierrors.Wrap(apierrors.ErrCodeInternalError, "sign access token", err)
	}
	i.metrics.ObserveToken("issue", "ok")
	return signed, nil
}

// VerifyToken checks the signature and that the record exists, is unexpired
// and has not been redeemed.
func (i *Issuer) VerifyToken(ctx context.Context, token string) (*Claims, error) {
	claims, err := i.parse(token)
	if err != nil {
		i.metrics.ObserveToken("verify", "invalid")
		return nil, err
	}

	record, err := i.store.GetAccessToken(ctx, claims.ID)
	if errors.Is(err, storage.ErrNotFound) {
		i.metrics.ObserveToken("verify", "not_found")
		return nil, apierrors.Wrap(apierrors.ErrCodeInvalidToken, "access token not found", err)
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load access token", err)
	}
	if record.Redeemed() {
		i.metrics.ObserveToken("verify", "redeemed")
		return nil, apierrors.New(apierrors.ErrCodeTokenAlreadyRedeemed, "token has already been redeemed")
	}
	if record.Expired(i.now()) {
		i.metrics.ObserveToken("verify", "expired")
		return nil, apierrors.New(apierrors.ErrCodeTokenExpired, "access token has expired")
	}

	i.metrics.ObserveToken("verify", "ok")
	return claims, nil
}

// RedeemToken verifies the token and spends it. Concurrent redeemers race on
// a conditional update; only one succeeds.
func (i *Issuer) RedeemToken(ctx context.Context, token string) (Redemption, error) {
	claims, err := i.VerifyToken(ctx, token)
	if err != nil {
		return Redemption{}, err
	}

	err = i.store.MarkTokenRedeemed(ctx, claims.ID, i.now())
	switch {
	case errors.Is(err, storage.ErrAlreadyRedeemed):
		i.metrics.ObserveToken("redeem", "redeemed")
		return Redemption{}, apierrors.Wrap(apierrors.ErrCodeTokenAlreadyRedeemed, "token has already been redeemed", err)
	case errors.Is(err, storage.ErrNotFound):
		i.metrics.ObserveToken("redeem", "not_found")
		return Redemption{}, apierrors.Wrap(apierrors.ErrCodeInvalidToken, "access token not found", err)
	case err != nil:
		return Redemption{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "redeem access token", err)
	}

	i.metrics.ObserveToken("redeem", "ok")
	log := logger.FromContext(ctx)
	log.Info().
		Str("jti", claims.ID).
		Str("merchant_id", claims.MerchantID).
		Str("content_id", claims.ContentID).
		Msg("token.redeemed")

	return Redemption{
		MerchantID: claims.MerchantID,
		ContentID:  claims.ContentID,
		PaymentID:  claims.PaymentID,
	}, nil
}

// CleanupTokens deletes tokens that are both redeemed and expired. Unredeemed
// tokens stay until redeemed so replays keep returning the same grant.
func (i *Issuer) CleanupTokens(ctx context.Context) (int64, error) {
	count, err := i.store.DeleteRedeemedExpiredTokens(ctx, i.now())
	if err != nil {
		return 0, fmt.Errorf("delete redeemed tokens: %w", err)
	}
	i.metrics.ObserveTokensPurged(count)
	if count > 0 {
		log := logger.FromContext(ctx)
		log.Info().Int64("count", count).Msg("token.cleanup_redeemed")
	}
	return count, nil
}

func (i *Issuer) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, apierrors.New(apierrors.ErrCodeMissingField, "token is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.verifyKey, nil
	}, opts...)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, apierrors.Wrap(apierrors.ErrCodeTokenExpired, "access token has expired", err)
	}
	if err != nil || !parsed.Valid || claims.ID == "" {
		return nil, apierrors.Wrap(apierrors.ErrCodeInvalidToken, "invalid or expired token", err)
	}
	return claims, nil
}

func (i *Issuer) newJTI() (string, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(i.random, buf); err != nil {
		return "", fmt.Errorf("tokens: read random bytes: %w", err)
	}
	return fmt.Sprintf("jwt_%d_%s", i.now().UnixMilli(), hex.EncodeToString(buf)), nil
}
