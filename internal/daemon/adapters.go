package daemon

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/lifemanager/internal/auth"
	"github.com/dmitrijs2005/lifemanager/internal/config"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/dmitrijs2005/lifemanager/internal/remote"
	"github.com/dmitrijs2005/lifemanager/internal/remote/bucket"
	"github.com/dmitrijs2005/lifemanager/internal/remote/caldav"
	"github.com/dmitrijs2005/lifemanager/internal/remote/google"
)

// overridden in tests
var newBucketClient = bucket.NewClient

// registerCredentials tells the credential manager how to obtain tokens for
// p. Bucket providers sign requests with static keys and need nothing.
func registerCredentials(m *auth.Manager, p config.Provider) {
	switch p.Kind {
	case config.KindGoogle:
		m.Register(p.Name, auth.GoogleConfig(p.ClientID, p.ClientSecret))
	case config.KindCalDAV:
		if p.UsesOAuth() {
			m.Register(p.Name, auth.GenericConfig(p.ClientID, p.ClientSecret, p.AuthURL, p.TokenURL, p.Scopes))
			return
		}
		m.RegisterStatic(p.Name, auth.BasicToken(p.Username, p.Password))
	}
}

func newAdapter(ctx context.Context, p config.Provider, tokens auth.TokenSource, logger logging.Logger) (remote.Adapter, error) {
	switch p.Kind {
	case config.KindGoogle:
		return google.New(p.Name, tokens, p.CalendarIDs, p.TaskListIDs, logger), nil
	case config.KindCalDAV:
		return caldav.New(p.Name, p.URL, tokens, p.Collections(), logger)
	case config.KindBucket:
		client, err := newBucketClient(ctx, bucket.Settings{
			Endpoint:  p.Endpoint,
			Region:    p.Region,
			AccessKey: p.AccessKey,
			SecretKey: p.SecretKey,
			PathStyle: p.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket client for %s: %w", p.Name, err)
		}
		return bucket.New(p.Name, client, p.Bucket, p.Prefix, p.Collections(), logger), nil
	}
	return nil, fmt.Errorf("%w: %s", config.ErrUnknownKind, p.Kind)
}
