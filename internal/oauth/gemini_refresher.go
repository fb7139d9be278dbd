package oauth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// geminiScopes mirrors the scopes Gemini's own web-login flow requests;
// a refresh call must ask for the same scopes the original grant carried.
var geminiScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// geminiRefresher refreshes Gemini OAuth tokens through the standard
// golang.org/x/oauth2 TokenSource machinery against google.Endpoint, rather
// than the bare refresh_token POST httpRefresher performs for Claude.
type geminiRefresher struct {
	conf *oauth2.Config
}

// NewGeminiRefresher builds a Refresher for Gemini's Google-issued OAuth
// client credentials.
func NewGeminiRefresher(clientID, clientSecret string) Refresher {
	return &geminiRefresher{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       geminiScopes,
		},
	}
}

func (g *geminiRefresher) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("oauth: refresh token is required")
	}

	src := g.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth: gemini refresh failed: %w", err)
	}

	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		Scopes:       g.conf.Scopes,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}
