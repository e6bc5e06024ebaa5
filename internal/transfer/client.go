package transfer

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// DefaultMaxRedirects caps redirect hops for every request made by this package.
const DefaultMaxRedirects = 5

// NewClient returns an HTTP client that follows at most maxRedirects hops.
// Timeout is intentionally 0: every call carries a context deadline instead,
// since a single artifact transfer may legitimately run for an hour.
func NewClient(maxRedirects int) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return CapRedirects(&http.Client{Transport: tr, Timeout: 0}, maxRedirects)
}

// CapRedirects returns a shallow copy of c whose redirect policy fails with
// KindRedirectLoop after maxRedirects hops. Go's client already follows
// 301/302/303/307/308 and forwards the Range header across hops.
func CapRedirects(c *http.Client, maxRedirects int) *http.Client {
	if c == nil {
		c = &http.Client{}
	}
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	cp := *c
	cp.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return &Error{
				Kind: KindRedirectLoop,
				Op:   "resolve",
				URL:  via[0].URL.String(),
				Msg:  fmt.Sprintf("more than %d redirects", maxRedirects),
			}
		}
		return nil
	}
	return &cp
}
