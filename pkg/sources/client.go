package sources

import (
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v60/github"
)

// tokenTransport adds bearer token auth to every outgoing request, the
// same shape the platform github client uses.
type tokenTransport struct {
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(req)
}

func newAuthenticatedClient(token string) (*gh.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	httpClient := &http.Client{Transport: &tokenTransport{token: token}}
	return gh.NewClient(httpClient), nil
}
