package auth

import (
	"encoding/base64"

	"github.com/dmitrijs2005/lifemanager/internal/common"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Google API scopes requested by the interactive flow.
var GoogleScopes = []string{
	"openid",
	"email",
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/tasks",
}

// GoogleConfig returns the OAuth2 client configuration of a Google desktop
// application.
func GoogleConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  common.RedirectURL,
		Scopes:       GoogleScopes,
	}
}

// GenericConfig builds a config for any OAuth2 provider with explicit
// endpoints.
func GenericConfig(clientID, clientSecret, authURL, tokenURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
		RedirectURL: common.RedirectURL,
		Scopes:      scopes,
	}
}

// BasicToken wraps username/password credentials as a token whose
// SetAuthHeader emits HTTP basic authentication.
func BasicToken(username, password string) *oauth2.Token {
	return &oauth2.Token{
		AccessToken: base64.StdEncoding.EncodeToString([]byte(username + ":" + password)),
		TokenType:   "Basic",
	}
}
