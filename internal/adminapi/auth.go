// Package adminapi is the pool's operator-facing JSON HTTP API: pool/worker
// stats, recent shares, and gated admin actions (ShareSink flush, ban-list
// edit, payout-address update). Authentication supports two modes: a
// hosted Clerk instance verified via JWKS-backed RS256 session tokens, and
// a first-party bearer-token session (a stateless signed JWT) for
// local/offline admin access when Clerk isn't configured. There is no HTML
// login page to redirect through, so both modes end at a bearer token.
package adminapi

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	clerk "github.com/clerk/clerk-sdk-go/v2"
	clerkclient "github.com/clerk/clerk-sdk-go/v2/client"
	clerksession "github.com/clerk/clerk-sdk-go/v2/session"
	"github.com/golang-jwt/jwt/v5"
	"github.com/martinhoefling/goxkcdpwgen/xkcdpwgen"

	"github.com/m45pool/stratumpool/internal/jsonx"
	"github.com/m45pool/stratumpool/internal/log"
)

// AuthConfig configures the two supported admin auth modes: a hosted Clerk
// instance, or a local first-party JWT signed with AdminJWTSecret. At least
// one must be configured for any admin action to be reachable.
type AuthConfig struct {
	ClerkSecretKey string
	ClerkIssuer    string
	ClerkJWKSURL   string
	AdminJWTSecret string
	Logger         *log.Logger
}

const defaultClerkJWKSURL = "https://clerk.clerk.dev/.well-known/jwks"

type clerkJWKS struct {
	Keys []clerkJWK `json:"keys"`
}

type clerkJWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (j clerkJWK) rsaPublicKey() (*rsa.PublicKey, error) {
	if j.N == "" || j.E == "" {
		return nil, errors.New("adminapi: jwk missing modulus or exponent")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, err
	}
	eInt := 0
	for _, b := range eBytes {
		eInt = eInt<<8 + int(b)
	}
	if eInt == 0 {
		return nil, errors.New("adminapi: invalid jwk exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: eInt}, nil
}

// Verifier authenticates an admin request's bearer token against whichever
// of Clerk or the local JWT secret is configured. A Verifier with neither
// configured denies every request: the default is fail-closed when no
// admin credentials are set up.
type Verifier struct {
	cfg    AuthConfig
	logger *log.Logger

	clerkClient *http.Client
	jwksURL     string
	issuer      string

	mu             sync.RWMutex
	keys           map[string]*rsa.PublicKey
	lastKeyRefresh time.Time

	clerkClients  *clerkclient.Client
	clerkSessions *clerksession.Client
}

// NewVerifier builds a Verifier. If ClerkSecretKey is set, its JWKS are
// fetched eagerly so the first request doesn't pay that latency.
func NewVerifier(cfg AuthConfig) (*Verifier, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default
	}
	jwksURL := strings.TrimSpace(cfg.ClerkJWKSURL)
	if jwksURL == "" {
		jwksURL = defaultClerkJWKSURL
	}
	v := &Verifier{
		cfg:         cfg,
		logger:      cfg.Logger,
		clerkClient: &http.Client{Timeout: 10 * time.Second},
		jwksURL:     jwksURL,
		issuer:      strings.TrimSpace(cfg.ClerkIssuer),
	}
	if strings.TrimSpace(cfg.ClerkSecretKey) != "" {
		if err := v.refreshClerkKeys(); err != nil {
			return nil, fmt.Errorf("adminapi: fetch clerk jwks: %w", err)
		}
		cc := &clerk.ClientConfig{}
		cc.Key = clerk.String(cfg.ClerkSecretKey)
		v.clerkClients = clerkclient.NewClient(cc)
		v.clerkSessions = clerksession.NewClient(cc)
	}
	return v, nil
}

func (v *Verifier) refreshClerkKeys() error {
	resp, err := v.clerkClient.Get(v.jwksURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks status %d", resp.StatusCode)
	}
	var jwks clerkJWKS
	if err := jsonx.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}
	keys := make(map[string]*rsa.PublicKey)
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if pub, err := k.rsaPublicKey(); err == nil {
			keys[k.Kid] = pub
		}
	}
	if len(keys) == 0 {
		return errors.New("no rsa keys in jwks")
	}
	v.mu.Lock()
	v.keys = keys
	v.lastKeyRefresh = time.Now()
	v.mu.Unlock()
	return nil
}

func (v *Verifier) clerkKey(kid string) *rsa.PublicKey {
	v.mu.RLock()
	pub := v.keys[kid]
	stale := time.Since(v.lastKeyRefresh) > 5*time.Minute
	v.mu.RUnlock()
	if pub == nil && stale {
		_ = v.refreshClerkKeys()
		v.mu.RLock()
		pub = v.keys[kid]
		v.mu.RUnlock()
	}
	return pub
}

// Verify accepts either a Clerk session JWT (RS256, verified via JWKS) or a
// first-party admin JWT (HS256, signed with AdminJWTSecret), returning the
// authenticated subject on success.
func (v *Verifier) Verify(bearer string) (string, error) {
	bearer = strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	if bearer == "" {
		return "", errors.New("adminapi: missing bearer token")
	}

	if strings.TrimSpace(v.cfg.AdminJWTSecret) != "" {
		claims := jwt.MapClaims{}
		tok, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(v.cfg.AdminJWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err == nil && tok.Valid {
			if sub, _ := claims["sub"].(string); sub != "" {
				return sub, nil
			}
			return "admin", nil
		}
	}

	if v.keys != nil {
		claims := jwt.MapClaims{}
		keyFunc := func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			pub := v.clerkKey(kid)
			if pub == nil {
				return nil, fmt.Errorf("unknown clerk key %s", kid)
			}
			return pub, nil
		}
		opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
		if v.issuer != "" {
			opts = append(opts, jwt.WithIssuer(v.issuer))
		}
		tok, err := jwt.ParseWithClaims(bearer, claims, keyFunc, opts...)
		if err == nil && tok.Valid {
			if sid, _ := claims["sid"].(string); sid != "" {
				return sid, nil
			}
			return "clerk-session", nil
		}
	}

	return "", errors.New("adminapi: invalid or expired admin token")
}

// ExchangeDevBrowserJWT exchanges Clerk's development-only dev-browser JWT
// for a short-lived session JWT this Verifier can then verify networklessly
// via JWKS. Only useful against a Clerk development instance; production
// Clerk sessions arrive pre-minted from the frontend and never need this
// path.
func (v *Verifier) ExchangeDevBrowserJWT(ctx context.Context, devBrowserJWT string) (string, error) {
	devBrowserJWT = strings.TrimSpace(devBrowserJWT)
	if devBrowserJWT == "" {
		return "", errors.New("adminapi: missing dev browser jwt")
	}
	if v.clerkClients == nil || v.clerkSessions == nil {
		return "", errors.New("adminapi: clerk_secret_key not configured")
	}

	cl, err := v.clerkClients.Verify(ctx, &clerkclient.VerifyParams{Token: clerk.String(devBrowserJWT)})
	if err != nil {
		return "", fmt.Errorf("adminapi: verify dev browser jwt: %w", err)
	}
	var sessionID string
	if cl != nil && cl.LastActiveSessionID != nil {
		sessionID = strings.TrimSpace(*cl.LastActiveSessionID)
	}
	if sessionID == "" {
		return "", errors.New("adminapi: no active clerk session for this client")
	}

	tok, err := v.clerkSessions.CreateToken(ctx, &clerksession.CreateTokenParams{ID: sessionID})
	if err != nil {
		return "", fmt.Errorf("adminapi: create session token: %w", err)
	}
	jwtToken := strings.TrimSpace(tok.JWT)
	if jwtToken == "" {
		return "", errors.New("adminapi: clerk returned an empty session jwt")
	}
	if _, err := v.Verify(jwtToken); err != nil {
		return "", fmt.Errorf("adminapi: verify exchanged session token: %w", err)
	}
	return jwtToken, nil
}

// IssueLocalToken mints a short-lived first-party admin JWT for local/
// offline access when Clerk isn't configured: a stateless signed token
// rather than a server-side session map, since this API has no cookie jar
// to key one by.
func (v *Verifier) IssueLocalToken(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(v.cfg.AdminJWTSecret) == "" {
		return "", errors.New("adminapi: admin_jwt_secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(v.cfg.AdminJWTSecret))
}

// GenerateSetupCode produces a memorable one-time code for provisioning the
// first admin session: three lowercase words, hyphen-delimited.
func GenerateSetupCode() string {
	g := xkcdpwgen.NewGenerator()
	g.SetNumWords(3)
	g.SetCapitalize(false)
	g.SetDelimiter("-")
	return strings.TrimSpace(g.GeneratePasswordString())
}
