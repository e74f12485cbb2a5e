package threadkit

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenProviderFunction returns a fresh auth token. It is called on
// every (re)connect and before authenticated api calls so that a token
// rotated by the host application is picked up without a restart.
type TokenProviderFunction func() (string, error)

func StaticTokenProvider(token string) TokenProviderFunction {
	return func() (string, error) {
		return token, nil
	}
}

// ByJwt is the viewer identity extracted from the auth token. The token
// is verified by the server; the client only needs the claims to label
// self-originated mutations, so it parses unverified.
type ByJwt struct {
	UserId      string
	DisplayName string
	AvatarUrl   string
	SiteId      string
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("Unexpected claims type: %T", token.Claims)
	}

	byJwt := &ByJwt{}

	if userId, ok := claims["user_id"].(string); ok {
		byJwt.UserId = userId
	}
	if displayName, ok := claims["display_name"].(string); ok {
		byJwt.DisplayName = displayName
	}
	if avatarUrl, ok := claims["avatar_url"].(string); ok {
		byJwt.AvatarUrl = avatarUrl
	}
	if siteId, ok := claims["site_id"].(string); ok {
		byJwt.SiteId = siteId
	}

	if byJwt.UserId == "" {
		return nil, fmt.Errorf("Token missing user_id claim.")
	}

	return byJwt, nil
}
