package remote

import (
	"context"
	"net/http"

	"github.com/dmitrijs2005/lifemanager/internal/auth"
	"golang.org/x/oauth2"
)

// HTTPClient returns a client that authenticates every request with the
// provider's current token. The token is fetched once, so the client is meant
// for a single operation.
func HTTPClient(ctx context.Context, tokens auth.TokenSource, provider string, base *http.Client) (*http.Client, error) {
	tok, err := tokens.GetValidToken(ctx, provider)
	if err != nil {
		return nil, NewError("get token", KindOf(err), err)
	}
	transport := http.DefaultTransport
	c := &http.Client{}
	if base != nil {
		*c = *base
		if base.Transport != nil {
			transport = base.Transport
		}
	}
	c.Transport = &oauth2.Transport{Source: oauth2.StaticTokenSource(tok), Base: transport}
	return c, nil
}
