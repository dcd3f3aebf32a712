package api

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/crypto/acme/autocert"
)

// TLSConfig selects how the API serves HTTPS. Static certificates and ACME
// are mutually exclusive; with neither set the API serves plain HTTP.
type TLSConfig struct {
	CertFile        string
	KeyFile         string
	AutocertDomains []string
	CacheDir        string
}

// Enabled reports whether any TLS source is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || len(c.AutocertDomains) > 0
}

// NewAutocertManager creates an ACME manager restricted to domains that caches
// certificates under cacheDir.
func NewAutocertManager(domains []string, cacheDir string) (*autocert.Manager, error) {
	if len(domains) == 0 {
		return nil, errors.New("autocert requires at least one domain")
	}
	if cacheDir == "" {
		return nil, errors.New("autocert requires a cache directory")
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	return &autocert.Manager{
		Cache:      autocert.DirCache(cacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
	}, nil
}

// ServerTLS builds the server TLS configuration. When ACME is used it also
// returns the handler that must answer HTTP-01 challenges on port 80; the
// handler is nil for static certificates.
func ServerTLS(cfg TLSConfig) (*tls.Config, http.Handler, error) {
	static := cfg.CertFile != "" || cfg.KeyFile != ""
	switch {
	case static && len(cfg.AutocertDomains) > 0:
		return nil, nil, errors.New("tls: cert_file and autocert_domains are mutually exclusive")
	case static:
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, nil, errors.New("tls: cert_file and key_file must be set together")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil, nil
	case len(cfg.AutocertDomains) > 0:
		m, err := NewAutocertManager(cfg.AutocertDomains, cfg.CacheDir)
		if err != nil {
			return nil, nil, err
		}
		tlsCfg := m.TLSConfig()
		tlsCfg.MinVersion = tls.VersionTLS12
		return tlsCfg, m.HTTPHandler(nil), nil
	default:
		return nil, nil, errors.New("tls: not configured")
	}
}
