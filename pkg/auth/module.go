package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cfoust/glide/pkg/timer"

	"github.com/golang-jwt/jwt/v5"
	"github.com/repeale/fp-go/option"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"
)

const (
	// Tokens this close to expiry are refreshed before use
	REFRESH_MARGIN = 30 * time.Second
	FETCH_TIMEOUT  = 10 * time.Second
)

// Fetcher obtains a new session token.
type Fetcher func(ctx context.Context) (string, error)

func StaticFetcher(token string) Fetcher {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// HTTPFetcher requests a token from url. The response is either a JSON
// object with a token field or the bare token.
func HTTPFetcher(url string) Fetcher {
	client := &http.Client{Timeout: FETCH_TIMEOUT}
	return func(ctx context.Context) (string, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return "", err
		}

		response, err := client.Do(request)
		if err != nil {
			return "", err
		}
		defer response.Body.Close()

		if response.StatusCode != http.StatusOK {
			return "", fmt.Errorf("token endpoint returned %s", response.Status)
		}

		body, err := io.ReadAll(io.LimitReader(response.Body, 64*1024))
		if err != nil {
			return "", err
		}

		var decoded tokenResponse
		if json.Unmarshal(body, &decoded) == nil && decoded.Token != "" {
			return decoded.Token, nil
		}

		token := strings.TrimSpace(string(body))
		if token == "" {
			return "", fmt.Errorf("token endpoint returned an empty body")
		}
		return token, nil
	}
}

// Expiry reads the exp claim without verifying the signature; the server is
// the one that checks it. Tokens that are not JWTs never expire.
func Expiry(token string) opt.Option[time.Time] {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return opt.None[time.Time]()
	}
	return opt.Some(claims.ExpiresAt.Time)
}

// TokenSource caches a token and fetches a new one when it is about to
// expire.
type TokenSource struct {
	fetch  Fetcher
	margin time.Duration
	clock  timer.Clock
	log    zerolog.Logger

	mutex  deadlock.Mutex
	token  string
	expiry opt.Option[time.Time]
}

func NewTokenSource(fetch Fetcher, clock timer.Clock, logger zerolog.Logger) *TokenSource {
	return &TokenSource{
		fetch:  fetch,
		margin: REFRESH_MARGIN,
		clock:  clock,
		log:    logger.With().Str("component", "auth").Logger(),
		expiry: opt.None[time.Time](),
	}
}

func (s *TokenSource) valid(now time.Time) bool {
	if s.token == "" {
		return false
	}
	if opt.IsNone(s.expiry) {
		return true
	}
	return now.Add(s.margin).Before(s.expiry.Value)
}

// Token returns the cached token or fetches a fresh one.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.valid(s.clock.Now()) {
		return s.token, nil
	}

	token, err := s.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("could not fetch token: %w", err)
	}

	expiry := Expiry(token)
	if opt.IsSome(expiry) && !s.clock.Now().Before(expiry.Value) {
		return "", fmt.Errorf("fetched token already expired at %s", expiry.Value)
	}

	s.token = token
	s.expiry = expiry
	s.log.Debug().Bool("expires", opt.IsSome(expiry)).Msg("fetched token")
	return token, nil
}

// Invalidate forces the next call to Token to fetch.
func (s *TokenSource) Invalidate() {
	s.mutex.Lock()
	s.token = ""
	s.expiry = opt.None[time.Time]()
	s.mutex.Unlock()
}
