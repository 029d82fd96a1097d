package proxy

import (
	"errors"
	"fmt"
	"net/url"

	mpimage "github.com/sydlexius/mediaproxy/internal/image"
)

// ErrBadRequest covers query strings the proxy cannot act on.
var ErrBadRequest = errors.New("bad request")

// Params are the query parameters of a proxy request. The flags are
// presence flags: "?badge" and "?badge=0" both set Badge.
type Params struct {
	URL    string
	Target *url.URL

	Static   bool
	Emoji    bool
	Avatar   bool
	Preview  bool
	Badge    bool
	Fallback bool
}

// ParseParams reads Params from a query. The flags are filled in even when
// the url is missing or invalid so that fallback still applies.
func ParseParams(q url.Values) (Params, error) {
	p := Params{
		URL:      q.Get("url"),
		Static:   q.Has("static"),
		Emoji:    q.Has("emoji"),
		Avatar:   q.Has("avatar"),
		Preview:  q.Has("preview"),
		Badge:    q.Has("badge"),
		Fallback: q.Has("fallback"),
	}
	if p.URL == "" {
		return p, fmt.Errorf("%w: missing url", ErrBadRequest)
	}
	target, err := url.Parse(p.URL)
	if err != nil {
		return p, fmt.Errorf("%w: invalid url: %w", ErrBadRequest, err)
	}
	p.Target = target
	return p, nil
}

// Intent maps the flags onto the resize policy.
func (p Params) Intent() mpimage.Intent {
	return mpimage.Intent{
		Badge:   p.Badge,
		Static:  p.Static,
		Emoji:   p.Emoji,
		Preview: p.Preview,
		Avatar:  p.Avatar,
	}
}
