package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dispatchd/internal/repo"
)

// Activation error taxonomy.
var (
	ErrMalformed        = errors.New("license: malformed token")
	ErrExpired          = errors.New("license: token expired")
	ErrInvalidSignature = errors.New("license: invalid signature")
)

// FeatureError marks operations blocked by the license tier.
type FeatureError struct {
	Feature      string
	RequiredTier string
}

func (e FeatureError) Error() string {
	return fmt.Sprintf("feature %q requires the %s tier", e.Feature, e.RequiredTier)
}

// Instance config keys used for durable grant storage.
const (
	keyLicenseToken   = "license_key"
	keyLicenseDecoded = "license_decoded"
	keyActivatedAt    = "activated_at"
)

// Limits are the numeric caps carried by a grant.
type Limits struct {
	KnowledgeEntries int64 `json:"knowledge_entries"`
	LogRetentionDays int64 `json:"log_retention_days"`
	AgentRepos       int64 `json:"agent_repos"`
}

// Grant is a decoded license.
type Grant struct {
	Subject   string   `json:"sub"`
	Email     string   `json:"email"`
	Tier      string   `json:"tier"`
	Features  []string `json:"features"`
	Limits    Limits   `json:"limits"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
}

func (g Grant) HasFeature(name string) bool {
	for _, f := range g.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Limit returns a named cap, 0 when unknown.
func (g Grant) Limit(key string) int64 {
	switch key {
	case "knowledge_entries":
		return g.Limits.KnowledgeEntries
	case "log_retention_days":
		return g.Limits.LogRetentionDays
	case "agent_repos":
		return g.Limits.AgentRepos
	}
	return 0
}

// TierFeatures maps license tiers to their feature sets.
var TierFeatures = map[string][]string{
	"free": {"logging", "dashboard", "work_orders", "agents", "knowledge"},
	"pro":  {"logging", "dashboard", "work_orders", "agents", "knowledge", "scheduled_jobs", "approvals", "analytics"},
	"team": {"logging", "dashboard", "work_orders", "agents", "knowledge", "scheduled_jobs", "approvals", "analytics", "multi_user"},
}

// RequiredTier names the lowest tier carrying a feature, for error payloads.
func RequiredTier(feature string) string {
	for _, tier := range []string{"free", "pro", "team"} {
		for _, f := range TierFeatures[tier] {
			if f == feature {
				return tier
			}
		}
	}
	return "team"
}

// devPublicKey is the embedded verification key for development and
// self-hosted installs. Production deployments override it via config.
const devPublicKey = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAxpRJ7/qqGR7hctSdTcLQ
Q+AjdXBfTDk/jk1YM32BwKvnKyJMFMK8JcKfaV2ww7BAl9Jo+vZqIN4Jn+Net4Yf
qKwng1XIuhSfjMrewurH7/6l+1t4O3IlrMSjQX1mGa0Lu/Trmm42soaEt62gNlvX
tn95mq/sgoh21Uo36wzk77LqqHVbrSbcRjNUNrNbm4pjiaeuNdkh7LcFqGif675C
+u3dXsTQWd4Uf30jM2Fww3SyMpOyj01cmGMjENgm65qM+lssPh7S9e5pQ/JAgN2l
0jL9Xiufv1sLuFq/P3sDAheOmMwpbpiIpYze+0tXArv7T3CRMVfizcdhvjclyiqj
awIDAQAB
-----END PUBLIC KEY-----`

// Evaluator verifies, stores, and answers queries about the instance
// license. It is injected wherever gating decisions are made; the in-memory
// grant is a cache over instance_config, not a source of truth.
type Evaluator struct {
	Repo         repo.Repo
	PublicKeyPEM string
	DevMode      bool
	Now          func() time.Time

	mu     sync.Mutex
	cached *Grant
}

func New(r repo.Repo, publicKeyPEM string, devMode bool) *Evaluator {
	return &Evaluator{Repo: r, PublicKeyPEM: publicKeyPEM, DevMode: devMode, Now: time.Now}
}

func devGrant() *Grant {
	return &Grant{
		Subject:   "dev",
		Email:     "dev@localhost",
		Tier:      "team",
		Features:  append([]string(nil), TierFeatures["team"]...),
		Limits:    Limits{KnowledgeEntries: 25000, LogRetentionDays: 90, AgentRepos: 999},
		IssuedAt:  0,
		ExpiresAt: 9999999999,
	}
}

type grantClaims struct {
	jwt.RegisteredClaims
	Email    string   `json:"email"`
	Tier     string   `json:"tier"`
	Features []string `json:"features"`
	Limits   *Limits  `json:"limits"`
}

// Verify checks the token signature and claim shape without storing
// anything. Expiry is enforced by the signature library.
func (e *Evaluator) Verify(token string) (*Grant, error) {
	pem := e.PublicKeyPEM
	if pem == "" {
		pem = devPublicKey
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("load verification key: %w", err)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	claims := &grantClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrMalformed
		}
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}
	if claims.Tier == "" || claims.Features == nil || claims.Limits == nil {
		return nil, ErrMalformed
	}
	grant := &Grant{
		Subject:  claims.Subject,
		Email:    claims.Email,
		Tier:     claims.Tier,
		Features: claims.Features,
		Limits:   *claims.Limits,
	}
	if claims.IssuedAt != nil {
		grant.IssuedAt = claims.IssuedAt.Unix()
	}
	if claims.ExpiresAt != nil {
		grant.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return grant, nil
}

// Activate verifies the token, durably overwrites the stored grant, and
// caches it for the process lifetime. There is no rollback path.
func (e *Evaluator) Activate(ctx context.Context, token string) (*Grant, error) {
	if e.DevMode {
		g := devGrant()
		e.setCached(g)
		return g, nil
	}
	grant, err := e.Verify(token)
	if err != nil {
		return nil, err
	}
	decoded, err := json.Marshal(grant)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.UpsertInstanceConfig(ctx, keyLicenseToken, token); err != nil {
		return nil, err
	}
	if err := e.Repo.UpsertInstanceConfig(ctx, keyLicenseDecoded, string(decoded)); err != nil {
		return nil, err
	}
	if err := e.Repo.UpsertInstanceConfig(ctx, keyActivatedAt, e.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	e.setCached(grant)
	return grant, nil
}

// Current returns the active grant, re-reading durable storage on a cold
// cache. Returns nil with no error when the instance has no license.
func (e *Evaluator) Current(ctx context.Context) (*Grant, error) {
	if e.DevMode {
		return devGrant(), nil
	}
	e.mu.Lock()
	cached := e.cached
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	decoded, err := e.Repo.GetInstanceConfig(ctx, keyLicenseDecoded)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var grant Grant
	if err := json.Unmarshal([]byte(decoded), &grant); err != nil {
		return nil, fmt.Errorf("decode stored license: %w", err)
	}
	e.setCached(&grant)
	return &grant, nil
}

// FeatureEnabled reports whether the active grant carries a feature.
// Gating is advisory; an unlicensed instance simply has no features.
func (e *Evaluator) FeatureEnabled(ctx context.Context, name string) bool {
	if e.DevMode {
		return true
	}
	grant, err := e.Current(ctx)
	if err != nil || grant == nil {
		return false
	}
	return grant.HasFeature(name)
}

// Limit returns the active grant's cap for a key, 0 when unlicensed.
func (e *Evaluator) Limit(ctx context.Context, key string) int64 {
	grant, err := e.Current(ctx)
	if err != nil || grant == nil {
		return 0
	}
	return grant.Limit(key)
}

// Tier returns the active tier, empty when unlicensed.
func (e *Evaluator) Tier(ctx context.Context) string {
	grant, err := e.Current(ctx)
	if err != nil || grant == nil {
		return ""
	}
	return grant.Tier
}

func (e *Evaluator) setCached(g *Grant) {
	e.mu.Lock()
	e.cached = g
	e.mu.Unlock()
}
