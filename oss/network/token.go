package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// tokenRefreshMargin is how long before its expiry a cached token is replaced.
const tokenRefreshMargin = time.Minute

// DefaultScopes are requested by the client credential exchange when none are configured.
var DefaultScopes = []string{"data:read", "data:write", "data:create", "bucket:read"}

// TokenProvider supplies the bearer token of the control API.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider always returns the same, externally obtained token.
type StaticTokenProvider string

// Token ...
func (t StaticTokenProvider) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("access token is empty")
	}
	return string(t), nil
}

// ClientCredentialsParams ...
type ClientCredentialsParams struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ClientCredentialsProvider exchanges client credentials for a bearer token and caches it
// until shortly before it expires. Concurrent callers wait for a single refresh.
type ClientCredentialsProvider struct {
	httpClient *retryablehttp.Client
	params     ClientCredentialsParams
	logger     log.Logger
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewClientCredentialsProvider ...
func NewClientCredentialsProvider(client *retryablehttp.Client, params ClientCredentialsParams, logger log.Logger) (*ClientCredentialsProvider, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("authentication base URL is empty")
	}
	if params.ClientID == "" || params.ClientSecret == "" {
		return nil, fmt.Errorf("client ID and client secret must not be empty")
	}
	if len(params.Scopes) == 0 {
		params.Scopes = DefaultScopes
	}

	return &ClientCredentialsProvider{
		httpClient: client,
		params:     params,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Token returns the cached token, or fetches a new one if it is missing or about to expire.
func (p *ClientCredentialsProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.expiresAt.Add(-tokenRefreshMargin)) {
		return p.token, nil
	}

	p.logger.Debugf("Fetching access token")
	token, expiresIn, err := p.fetch(ctx)
	if err != nil {
		return "", err
	}

	p.token = token
	p.expiresAt = p.now().Add(expiresIn)
	p.logger.Debugf("Access token valid for %s", expiresIn)

	return p.token, nil
}

func (p *ClientCredentialsProvider) fetch(ctx context.Context) (string, time.Duration, error) {
	apiErr := &ControlAPIError{Op: "authenticate"}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", strings.Join(p.params.Scopes, " "))

	apiURL := fmt.Sprintf("%s/authentication/v2/token", strings.TrimRight(p.params.BaseURL, "/"))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, []byte(form.Encode()))
	if err != nil {
		apiErr.Err = err
		return "", 0, apiErr
	}
	req.SetBasicAuth(p.params.ClientID, p.params.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		apiErr.Err = err
		return "", 0, apiErr
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			p.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", 0, unwrapError(resp, apiErr)
	}

	var response tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		apiErr.Err = fmt.Errorf("decode token response: %w", err)
		return "", 0, apiErr
	}
	if response.AccessToken == "" {
		apiErr.Err = fmt.Errorf("token response has no access token")
		return "", 0, apiErr
	}

	return response.AccessToken, time.Duration(response.ExpiresIn) * time.Second, nil
}
