package gmail

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"
)

var errNoRefreshToken = errors.New("access token expired and no refresh token is stored")

// refreshingTokenSource hands out the current token and refreshes it through
// cfg once it is expired or was marked stale after a 401. Every refreshed token
// is reported to onRefresh.
type refreshingTokenSource struct {
	ctx       context.Context
	cfg       *oauth2.Config
	onRefresh func(*oauth2.Token)

	mu  sync.Mutex
	tok *oauth2.Token
	gen uint64
}

func newRefreshingTokenSource(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, onRefresh func(*oauth2.Token)) *refreshingTokenSource {
	cp := *tok
	return &refreshingTokenSource{ctx: ctx, cfg: cfg, onRefresh: onRefresh, tok: &cp}
}

func (s *refreshingTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	if s.tok.Valid() {
		tok := s.tok
		s.mu.Unlock()
		return tok, nil
	}
	if s.tok.RefreshToken == "" {
		s.mu.Unlock()
		return nil, &Error{Op: "token.refresh", Kind: ErrInvalidGrant, Err: errNoRefreshToken}
	}

	fresh, err := s.cfg.TokenSource(s.ctx, &oauth2.Token{RefreshToken: s.tok.RefreshToken}).Token()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = s.tok.RefreshToken
	}
	s.tok = fresh
	s.gen++
	s.mu.Unlock()

	if s.onRefresh != nil {
		s.onRefresh(fresh)
	}
	return fresh, nil
}

// generation identifies the token currently handed out.
func (s *refreshingTokenSource) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// expire drops the access token of generation gen so the next request
// refreshes it. A token already replaced since gen is left alone. It reports
// whether retrying can help, i.e. whether a refresh token is available.
func (s *refreshingTokenSource) expire(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok.RefreshToken == "" {
		return false
	}
	if s.gen == gen {
		s.tok = &oauth2.Token{RefreshToken: s.tok.RefreshToken}
	}
	return true
}
