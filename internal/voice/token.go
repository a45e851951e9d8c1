package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	tokenValidity      = time.Hour
	tokenRefreshMargin = 60 * time.Second
)

// CredentialSource issues a signed access token for the current user.
type CredentialSource interface {
	FetchToken(ctx context.Context) (string, error)
}

// TokenProvider caches the device access token in a single slot.
// A cached token is reused while more than a minute of validity remains.
// Concurrent callers share one in-flight fetch.
type TokenProvider struct {
	source CredentialSource
	now    func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
	// epoch changes on Invalidate so a fetch started earlier is not cached.
	epoch uint64
}

func NewTokenProvider(source CredentialSource, clock Clock) *TokenProvider {
	if clock == nil {
		clock = SystemClock{}
	}
	return &TokenProvider{source: source, now: clock.Now}
}

func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if p.source == nil {
		return "", errors.New("voice: credential source not configured")
	}

	p.mu.Lock()
	if p.token != "" && p.expires.Sub(p.now()) > tokenRefreshMargin {
		tok := p.token
		p.mu.Unlock()
		return tok, nil
	}
	epoch := p.epoch
	p.mu.Unlock()

	ch := p.group.DoChan("token", func() (any, error) {
		tok, err := p.source.FetchToken(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", errors.New("voice: credential source returned empty token")
		}
		p.mu.Lock()
		if p.epoch == epoch {
			p.token = tok
			p.expires = p.now().Add(tokenValidity)
		}
		p.mu.Unlock()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token; the next Token call fetches a new one.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expires = time.Time{}
	p.epoch++
	p.group.Forget("token")
}
