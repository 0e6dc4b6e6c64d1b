package call

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const (
	tokenTTL       = 24 * time.Hour
	requestTimeout = 10 * time.Second
)

type ProviderConfig struct {
	Endpoint  string
	APIKey    string
	SecretKey string
}

// Provider talks to the hosted conferencing service that owns the media rooms.
type Provider struct {
	cfg   ProviderConfig
	http  *http.Client
	clock clock.Clock
	log   zerolog.Logger
}

type providerClaims struct {
	APIKey      string   `json:"apikey"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

func NewProvider(cfg ProviderConfig, httpClient *http.Client, clk clock.Clock, logger zerolog.Logger) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	if clk == nil {
		clk = clock.New()
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Provider{
		cfg:   cfg,
		http:  httpClient,
		clock: clk,
		log:   logger.With().Str("module", "call.provider").Logger(),
	}
}

// Token signs a provider token that allows joining and moderating rooms.
func (p *Provider) Token() (string, error) {
	if p.cfg.APIKey == "" || p.cfg.SecretKey == "" {
		return "", ErrProviderNotEnabled
	}
	now := p.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, providerClaims{
		APIKey:      p.cfg.APIKey,
		Permissions: []string{"allow_join", "allow_mod"},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	return token.SignedString([]byte(p.cfg.SecretKey))
}

type roomPayload struct {
	RoomID  string `json:"roomId"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (p *Provider) CreateRoom(ctx context.Context, token string) (string, error) {
	return p.roundTrip(ctx, http.MethodPost, "/v2/rooms", token, strings.NewReader("{}"))
}

// ValidateRoom checks that roomID still exists on the provider side.
func (p *Provider) ValidateRoom(ctx context.Context, token, roomID string) (string, error) {
	return p.roundTrip(ctx, http.MethodGet, "/v2/rooms/validate/"+url.PathEscape(roomID), token, nil)
}

func (p *Provider) roundTrip(ctx context.Context, method, path, token string, body io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.Endpoint+path, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		p.log.Warn().Err(err).Str("path", path).Msg("provider unreachable")
		return "", &ProviderError{Message: "no response from conferencing provider"}
	}
	defer resp.Body.Close()

	var data roomPayload
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read provider response: %w", err)
	}
	decodeErr := json.Unmarshal(raw, &data)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := firstNonEmpty(data.Error, data.Message, http.StatusText(resp.StatusCode))
		if decodeErr != nil && len(raw) > 0 {
			msg = strings.TrimSpace(string(raw))
		}
		return "", &ProviderError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", &ProviderError{Status: resp.StatusCode, Message: "malformed response"}
	}
	if data.RoomID == "" {
		return "", &ProviderError{Status: resp.StatusCode, Message: firstNonEmpty(data.Error, data.Message, "no room id returned")}
	}
	return data.RoomID, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
