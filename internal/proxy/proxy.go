// Package proxy forwards browser traffic for a running preview to the server's
// local port, so a remote client or iframe can reach a server bound to localhost.
package proxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"codechronos-sandbox/internal/sandbox"
)

// Prefix is the path under which previews are served: /preview/{id}/...
const Prefix = "/preview/"

// Resolver finds a tracked preview by ID.
type Resolver interface {
	LookupPreview(id string) (sandbox.PreviewHandle, bool)
}

// PreviewProxy is a reverse proxy from /preview/{id}/<path> to
// http://<host>:<port>/<path> of the preview's server.
type PreviewProxy struct {
	resolver Resolver
	host     string
}

// New creates a PreviewProxy that dials previews on host (normally 127.0.0.1).
func New(resolver Resolver, host string) *PreviewProxy {
	if host == "" {
		host = "127.0.0.1"
	}
	return &PreviewProxy{resolver: resolver, host: host}
}

func (p *PreviewProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, rest, hasSlash := strings.Cut(strings.TrimPrefix(r.URL.Path, Prefix), "/")
	if id == "" {
		http.Error(w, "preview id required", http.StatusNotFound)
		return
	}

	h, ok := p.resolver.LookupPreview(id)
	if !ok {
		http.Error(w, "preview not found", http.StatusNotFound)
		return
	}

	// Relative asset URLs only resolve under the trailing slash.
	if !hasSlash {
		target := Prefix + id + "/"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(p.host, strconv.Itoa(h.Port))}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = "/" + rest
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Prefix", Prefix+id)
			// The preview is untrusted code; it never sees the caller's credentials.
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("X-API-Key")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("preview_id", id).Int("port", h.Port).Msg("preview proxy error")
			http.Error(w, "preview unavailable", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}
