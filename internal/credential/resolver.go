// Package credential resolves the upstream API client to use for a tenant.
// Tenant secrets are stored encrypted; decryption failures fall back to the
// shared default client so one tenant's corrupted credentials never block
// event processing for others.
package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/hookwise/entitled/internal/config"
	obsmetrics "github.com/hookwise/entitled/internal/observability/metrics"
	tenantdomain "github.com/hookwise/entitled/internal/tenant/domain"
	"github.com/hookwise/entitled/internal/upstream"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrEncryptionKeyMissing = errors.New("encryption_key_missing")
	ErrInvalidCiphertext    = errors.New("invalid_ciphertext")
)

// Resolver picks the upstream client for a tenant, caching constructed
// clients with a size and age bound.
type Resolver interface {
	Resolve(ctx context.Context, tenantID snowflake.ID) (upstream.Client, error)
	Invalidate(tenantID snowflake.ID)
	Clear()
}

// ClientFactory builds a tenant-scoped client from a decrypted secret key.
type ClientFactory func(secretKey string) upstream.Client

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       tenantdomain.Repository
	Cfg        config.Config
	Factory    ClientFactory       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type resolver struct {
	db            *gorm.DB
	log           *zap.Logger
	repo          tenantdomain.Repository
	encKey        []byte
	cache         *clientCache
	factory       ClientFactory
	defaultClient upstream.Client
	obsMetrics    *obsmetrics.Metrics
}

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func NewResolver(p Params) Resolver {
	secret := strings.TrimSpace(p.Cfg.CredentialEncryptionSecret)
	var key []byte
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}

	factory := p.Factory
	if factory == nil {
		factory = func(secretKey string) upstream.Client {
			return upstream.NewHTTPClient(p.Cfg.UpstreamAPIBaseURL, secretKey, p.Cfg.UpstreamTimeout())
		}
	}

	return &resolver{
		db:            p.DB,
		log:           p.Log.Named("credential.resolver"),
		repo:          p.Repo,
		encKey:        key,
		cache:         newClientCache(defaultCacheCapacity, defaultCacheTTL),
		factory:       factory,
		defaultClient: factory(p.Cfg.UpstreamSecretKey),
		obsMetrics:    p.ObsMetrics,
	}
}

func (r *resolver) Resolve(ctx context.Context, tenantID snowflake.ID) (upstream.Client, error) {
	if tenantID == 0 {
		return r.defaultClient, nil
	}

	credential, err := r.repo.FindByTenantID(ctx, r.db, tenantID)
	if err != nil {
		return nil, err
	}
	if credential == nil || credential.EncryptedSecretKey == nil || strings.TrimSpace(*credential.EncryptedSecretKey) == "" {
		return r.defaultClient, nil
	}

	cacheKey := tenantID.String()
	if client, ok := r.cache.get(cacheKey); ok {
		r.obsMetrics.RecordCredentialCacheLookup(ctx, "hit")
		return client, nil
	}
	r.obsMetrics.RecordCredentialCacheLookup(ctx, "miss")

	secretKey, err := r.decryptSecretKey(*credential.EncryptedSecretKey)
	if err != nil {
		// Correctness warning for operational follow-up; processing continues
		// on the shared credentials rather than failing the event.
		r.log.Warn("tenant credential decryption failed, using default client",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return r.defaultClient, nil
	}

	client := r.factory(secretKey)
	r.cache.set(cacheKey, client)
	return client, nil
}

func (r *resolver) Invalidate(tenantID snowflake.ID) {
	r.cache.invalidate(tenantID.String())
}

func (r *resolver) Clear() {
	r.cache.clear()
}

func (r *resolver) decryptSecretKey(encrypted string) (string, error) {
	if len(r.encKey) == 0 {
		return "", ErrEncryptionKeyMissing
	}

	var payload encryptedPayload
	if err := json.Unmarshal([]byte(encrypted), &payload); err != nil {
		return "", ErrInvalidCiphertext
	}
	if payload.Version != 1 {
		return "", ErrInvalidCiphertext
	}

	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(r.encKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	var out map[string]string
	if err := json.Unmarshal(plain, &out); err != nil {
		return "", ErrInvalidCiphertext
	}
	secretKey := strings.TrimSpace(out["secret_key"])
	if secretKey == "" {
		return "", ErrInvalidCiphertext
	}
	return secretKey, nil
}
