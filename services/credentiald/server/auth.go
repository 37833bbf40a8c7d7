package server

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"sbtgate/crypto"
	"sbtgate/native/credential"
)

// Request headers carrying a caller signature.
const (
	HeaderTimestamp = "X-Sbt-Timestamp"
	HeaderSignature = "X-Sbt-Signature"
)

var (
	errMissingCredentials = errors.New("missing caller credentials")
	errStaleSignature     = errors.New("signature timestamp outside allowed skew")
	errReplayedRequest    = errors.New("request already processed")
	errInvalidToken       = errors.New("invalid token")
)

// AuthConfig configures caller authentication.
type AuthConfig struct {
	JWTSecret     string
	Issuer        string
	Audience      string
	SignatureSkew time.Duration
}

// Authenticator resolves the caller identity of a request either from a
// secp256k1 request signature or from an HS256 service token.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	nowFn  func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewAuthenticator constructs an authenticator.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.SignatureSkew <= 0 {
		cfg.SignatureSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.JWTSecret)),
		nowFn:  time.Now,
		seen:   make(map[string]time.Time),
	}
}

// SetNowFunc overrides the clock used for skew and expiry checks.
func (a *Authenticator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	a.nowFn = now
}

// Authenticate returns the identity that issued the request.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (credential.Identity, error) {
	if sig := strings.TrimSpace(r.Header.Get(HeaderSignature)); sig != "" {
		return a.verifySignature(r.Header.Get(HeaderTimestamp), sig, body)
	}
	if token := extractBearer(r.Header.Get("Authorization")); token != "" {
		return a.verifyToken(token)
	}
	return credential.Identity{}, errMissingCredentials
}

func (a *Authenticator) verifySignature(rawTimestamp, rawSig string, body []byte) (credential.Identity, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(rawTimestamp), 10, 64)
	if err != nil {
		return credential.Identity{}, fmt.Errorf("invalid %s header", HeaderTimestamp)
	}
	now := a.nowFn()
	signedAt := time.Unix(ts, 0)
	if signedAt.Before(now.Add(-a.cfg.SignatureSkew)) || signedAt.After(now.Add(a.cfg.SignatureSkew)) {
		return credential.Identity{}, errStaleSignature
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(rawSig, "0x"), "0X"))
	if err != nil {
		return credential.Identity{}, fmt.Errorf("invalid %s header", HeaderSignature)
	}
	signer, err := crypto.RecoverRequestSigner(ts, body, sig)
	if err != nil {
		return credential.Identity{}, fmt.Errorf("recover signer: %w", err)
	}
	if err := a.remember(hex.EncodeToString(crypto.RequestDigest(ts, body)), now); err != nil {
		return credential.Identity{}, err
	}
	return credential.Identity(signer), nil
}

// remember records a request digest until it can no longer pass the skew
// check, rejecting digests already seen.
func (a *Authenticator) remember(digest string, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, expiry := range a.seen {
		if now.After(expiry) {
			delete(a.seen, key)
		}
	}
	if _, ok := a.seen[digest]; ok {
		return errReplayedRequest
	}
	a.seen[digest] = now.Add(2 * a.cfg.SignatureSkew)
	return nil
}

func (a *Authenticator) verifyToken(raw string) (credential.Identity, error) {
	if len(a.secret) == 0 {
		return credential.Identity{}, errors.New("service tokens not enabled")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.SignatureSkew),
		jwt.WithTimeFunc(a.nowFn),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return credential.Identity{}, errInvalidToken
	}
	id, err := credential.ParseIdentity(claims.Subject)
	if err != nil {
		return credential.Identity{}, fmt.Errorf("%w: subject: %v", errInvalidToken, err)
	}
	return id, nil
}

// IssueServiceToken mints an HS256 token asserting subject as the caller.
func IssueServiceToken(secret, issuer, audience string, subject credential.Identity, ttl time.Duration, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("jwt secret required")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject.String(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
