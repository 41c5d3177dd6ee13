package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// OAuthToken exchanges the user token for a registry bearer token scoped to
// one remote. Callers cache the result per remote for the process lifetime.
func OAuthToken(ctx context.Context, client *http.Client, registryURL, remote, userToken string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	endpoint := strings.TrimSuffix(registryURL, "/") + "/token?" + url.Values{
		"scope": {fmt.Sprintf("repository:%s:*", remote)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(remote, userToken)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("failed to authenticate against %q: status %d: %s",
			registryURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("token endpoint returned an empty token for %q", remote)
	}

	log.Debug("Obtained OAuth token", "remote", remote)
	return payload.Token, nil
}
