package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/common"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"golang.org/x/oauth2"
)

// DefaultAuthTimeout bounds how long a session waits for the browser
// callback.
const DefaultAuthTimeout = 5 * time.Minute

const callbackPage = `<!doctype html><html><body><p>%s</p><p>You can close this window.</p></body></html>`

// Flow runs the interactive authorization-code flow with PKCE against a
// loopback redirect. Only one session is active at a time since the
// callback port is fixed.
type Flow struct {
	manager *Manager
	addr    string
	path    string
	timeout time.Duration
	logger  logging.Logger

	mu     sync.Mutex
	active *Session
}

func NewFlow(manager *Manager, timeout time.Duration, logger logging.Logger) *Flow {
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	return &Flow{
		manager: manager,
		addr:    common.CallbackAddr,
		path:    common.CallbackPath,
		timeout: timeout,
		logger:  logger.With("module", "auth-flow"),
	}
}

type callbackResult struct {
	code string
	err  error
}

// Session is one pending authorization. URL is what the user opens.
type Session struct {
	URL      string
	Provider string

	flow     *Flow
	cfg      *oauth2.Config
	verifier string
	state    string

	ln     net.Listener
	srv    *http.Server
	result chan callbackResult
	once   sync.Once
	closed sync.Once
}

// Begin starts the loopback listener and returns the session whose URL the
// user must open. A session still waiting from an earlier Begin is closed.
func (f *Flow) Begin(ctx context.Context, provider string) (*Session, error) {
	base, err := f.manager.oauthConfig(provider)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	prev := f.active
	f.active = nil
	f.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for oauth callback: %w", err)
	}

	state, err := common.MakeRandHexString(16)
	if err != nil {
		ln.Close()
		return nil, err
	}

	cfg := *base
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = "http://" + ln.Addr().String() + f.path
	}

	s := &Session{
		Provider: provider,
		flow:     f,
		cfg:      &cfg,
		verifier: oauth2.GenerateVerifier(),
		state:    state,
		ln:       ln,
		result:   make(chan callbackResult, 1),
	}
	s.URL = cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce, oauth2.S256ChallengeOption(s.verifier))

	mux := http.NewServeMux()
	mux.HandleFunc(f.path, s.handleCallback)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error(ctx, "oauth callback server failed", "error", err)
		}
	}()

	f.mu.Lock()
	f.active = s
	f.mu.Unlock()
	f.logger.Info(ctx, "authorization started", "provider", provider, "redirect", cfg.RedirectURL)
	return s, nil
}

func (s *Session) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("state") != s.state {
		http.Error(w, ErrStateMismatch.Error(), http.StatusBadRequest)
		return
	}

	var res callbackResult
	switch {
	case q.Get("error") != "":
		res.err = fmt.Errorf("authorization denied: %s", q.Get("error"))
	case q.Get("code") == "":
		res.err = errors.New("callback carries no code")
	default:
		res.code = q.Get("code")
	}

	delivered := false
	s.once.Do(func() {
		s.result <- res
		delivered = true
	})
	if !delivered {
		http.Error(w, "authorization already completed", http.StatusGone)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if res.err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackPage, "Authorization failed.")
		return
	}
	fmt.Fprintf(w, callbackPage, "Authorization complete.")
}

// Wait blocks until the callback arrives or the flow times out, exchanges
// the code and persists the credential. The listener is closed on return.
func (s *Session) Wait(ctx context.Context) error {
	defer s.Close()

	timer := time.NewTimer(s.flow.timeout)
	defer timer.Stop()

	var res callbackResult
	select {
	case res = <-s.result:
	case <-timer.C:
		return newError(s.Provider, ErrTimeout, errors.New("no callback received"))
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.err != nil {
		return newError(s.Provider, ErrNotAuthenticated, res.err)
	}

	m := s.flow.manager
	xctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	if m.httpClient != nil {
		xctx = context.WithValue(xctx, oauth2.HTTPClient, m.httpClient)
	}

	tok, err := s.cfg.Exchange(xctx, res.code, oauth2.VerifierOption(s.verifier))
	if err != nil {
		return newError(s.Provider, ErrNotAuthenticated, fmt.Errorf("code exchange failed: %w", err))
	}
	if err := m.Save(ctx, s.Provider, tok); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	s.flow.logger.Info(ctx, "authorization complete", "provider", s.Provider)
	return nil
}

// Close stops the callback listener.
func (s *Session) Close() {
	s.closed.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
		_ = s.ln.Close()

		s.flow.mu.Lock()
		if s.flow.active == s {
			s.flow.active = nil
		}
		s.flow.mu.Unlock()
	})
}
