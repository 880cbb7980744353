package session

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// CookieName carries the bearer token between client and server.
const CookieName = "session"

// CookieConfig holds the cookie attributes derived once at startup from the
// configured frontend origin.
type CookieConfig struct {
	Domain string
	Secure bool
}

// NewCookieConfig derives cookie defaults from the frontend origin URL. The
// Domain attribute is the registrable domain of the origin host; for hosts
// without one (localhost, IP addresses) it stays empty so the cookie becomes
// host-only.
func NewCookieConfig(frontendOrigin string) (CookieConfig, error) {
	parsed, err := url.Parse(frontendOrigin)
	if err != nil || parsed.Host == "" {
		return CookieConfig{}, fmt.Errorf("session: invalid frontend origin %q", frontendOrigin)
	}

	cfg := CookieConfig{Secure: parsed.Scheme == "https"}

	host := parsed.Hostname()
	if net.ParseIP(host) == nil && strings.Contains(host, ".") {
		if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
			cfg.Domain = domain
		}
	}

	return cfg, nil
}

// Cookie builds the session cookie for a freshly issued or renewed token.
func (c CookieConfig) Cookie(token string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Domain:   c.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Expired builds the removal cookie written on sign-out.
func (c CookieConfig) Expired() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
