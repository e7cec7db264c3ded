package signalr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxRedirects caps the negotiate redirect chain so two misconfigured
// servers pointing at each other cannot loop forever.
const maxRedirects = 100

type negotiateResponse struct {
	URL                 string               `json:"url"`
	AccessToken         string               `json:"accessToken"`
	ConnectionID        string               `json:"connectionId"`
	ConnectionToken     string               `json:"connectionToken"`
	NegotiateVersion    int                  `json:"negotiateVersion"`
	AvailableTransports []negotiateTransport `json:"availableTransports"`
	Error               string               `json:"error"`
}

type negotiateTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// negotiate performs the pre-connection POST against <url>/negotiate and
// resolves the WebSocket URL to dial. Redirect responses (url + accessToken)
// restart negotiation against the new endpoint with the new bearer token;
// ordinary responses append the connection id and rewrite the scheme to
// ws/wss. The returned headers are the input headers with Authorization
// replaced whenever a redirect handed out a token.
func negotiate(ctx context.Context, client *http.Client, rawurl string, headers http.Header) (string, http.Header, error) {
	for i := 0; i <= maxRedirects; i++ {
		resp, err := negotiateOnce(ctx, client, rawurl, headers)
		if err != nil {
			return "", nil, err
		}

		if resp.Error != "" {
			return "", nil, &NegotiationError{Err: fmt.Errorf("server refused negotiation: %s", resp.Error)}
		}

		// Redirect: chase the new URL with its session-bound token.
		if resp.URL != "" {
			rawurl = resp.URL
			if resp.AccessToken != "" {
				headers = cloneHeader(headers)
				headers.Set("Authorization", "Bearer "+resp.AccessToken)
			}
			continue
		}

		wsURL, err := connectURL(rawurl, resp)
		if err != nil {
			return "", nil, err
		}
		return wsURL, headers, nil
	}
	return "", nil, &NegotiationError{Err: fmt.Errorf("more than %d negotiate redirects", maxRedirects)}
}

func negotiateOnce(ctx context.Context, client *http.Client, rawurl string, headers http.Header) (*negotiateResponse, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, &NegotiationError{Err: err}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, &NegotiationError{Err: err}
	}
	req.Header = cloneHeader(headers)
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return nil, &NegotiationError{Err: err}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Status: res.StatusCode}
	case res.StatusCode != http.StatusOK:
		return nil, &NegotiationError{Status: res.StatusCode}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &NegotiationError{Err: err}
	}

	var parsed negotiateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &NegotiationError{Err: fmt.Errorf("undecodable negotiate response: %w", err)}
	}
	return &parsed, nil
}

// connectURL rewrites the negotiated endpoint to its WebSocket form,
// carrying the connection id in the query.
func connectURL(rawurl string, resp *negotiateResponse) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", &NegotiationError{Err: err}
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	id := resp.ConnectionToken
	if id == "" {
		id = resp.ConnectionID
	}
	if id != "" {
		q := u.Query()
		q.Set("id", id)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func cloneHeader(h http.Header) http.Header {
	out := http.Header{}
	for k, vs := range h {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}
