package httputil

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// NewClient returns the client used for portal calls. A proxy URL routes
// every request through that proxy over HTTP/1.1.
func NewClient(timeout time.Duration, proxy string) *http.Client {
	client := &http.Client{Timeout: timeout}
	if proxy == "" {
		return client
	}

	proxyURL, err := url.Parse(proxy)
	if err != nil || proxyURL.Host == "" {
		log.Warn().Str("proxy", proxy).Msg("Ignoring invalid proxy URL")
		return client
	}

	client.Transport = &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
	return client
}
