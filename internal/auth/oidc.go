package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/voxnote/bot/internal/config"
)

const discoveryTimeout = 10 * time.Second

var (
	// ErrWrongAudience means the token was minted for another client.
	ErrWrongAudience = errors.New("token audience does not include this bot")
	// ErrNotOperator means the token lacks the configured operator role.
	ErrNotOperator = errors.New("token does not carry the operator role")
)

// OIDCVerifier accepts operator tokens minted by an external identity
// provider. Keys come from the provider's JWKS and are refreshed in the
// background.
type OIDCVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	role     string
}

// NewOIDCVerifier resolves the provider's key set through its discovery
// document. The key refresher stops when ctx is done.
func NewOIDCVerifier(ctx context.Context, cfg *config.OIDCConfig) (*OIDCVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidc: issuer is required")
	}
	issuer := strings.TrimRight(cfg.Issuer, "/")

	discoverCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	doc, err := discover(discoverCtx, issuer)
	if err != nil {
		return nil, err
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{doc.JWKSURI})
	if err != nil {
		return nil, fmt.Errorf("oidc: load key set: %w", err)
	}

	return &OIDCVerifier{
		jwks:     jwks,
		issuer:   doc.Issuer,
		audience: cfg.ClientID,
		role:     cfg.OperatorRole,
	}, nil
}

type discoveryDoc struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

func discover(ctx context.Context, issuer string) (*discoveryDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("oidc: discovery request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc: fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc: discovery returned status %d", resp.StatusCode)
	}

	var doc discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("oidc: decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, errors.New("oidc: discovery document has no jwks_uri")
	}
	// providers may publish the issuer with or without a trailing slash
	if doc.Issuer == "" {
		doc.Issuer = issuer
	} else if strings.TrimRight(doc.Issuer, "/") != issuer {
		return nil, fmt.Errorf("oidc: discovery issuer %q does not match %q", doc.Issuer, issuer)
	}
	return &doc, nil
}

func (v *OIDCVerifier) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if v.audience != "" && !slices.Contains(claims.Audience, v.audience) {
		return nil, ErrWrongAudience
	}
	if v.role != "" && !slices.Contains(claims.Roles, v.role) {
		return nil, ErrNotOperator
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}
