package tustransport

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/aleksikoho/resumux"
)

// NewOAuth2 builds an HTTPTransport whose requests carry a bearer token
// drawn from ts, refreshed automatically by oauth2.TokenSource.
func NewOAuth2(ts oauth2.TokenSource, opts ...Option) *HTTPTransport {
	t := New(opts...)

	t.authorize = func(ctx context.Context, req *http.Request) error {
		tok, err := ts.Token()
		if err != nil {
			return err
		}

		tok.SetAuthHeader(req)

		return nil
	}

	return t
}

var _ resumux.Transport = (*HTTPTransport)(nil)
