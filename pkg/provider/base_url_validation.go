package provider

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateBaseURL validates an upstream base URL, including per-account
// custom endpoints.
//
// It rejects userinfo, query and fragment and, unless allowPrivate is set,
// loopback/private/link-local hosts.
func ValidateBaseURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint scheme %q (must be http or https)", u.Scheme)
	}

	if u.Hostname() == "" {
		return fmt.Errorf("invalid endpoint host %q", u.Host)
	}

	if u.User != nil {
		return fmt.Errorf("endpoint must not contain userinfo")
	}

	if u.RawQuery != "" {
		return fmt.Errorf("endpoint must not contain query")
	}

	if u.Fragment != "" {
		return fmt.Errorf("endpoint must not contain fragment")
	}

	if !allowPrivate && isPrivateOrLoopbackHost(u.Hostname()) {
		return fmt.Errorf("endpoint host %q is private/loopback (set relay.allow_private_endpoints to override)", u.Hostname())
	}

	return nil
}

// ResolveEndpoint picks the account's custom endpoint when set, validating it,
// and otherwise returns fallback unchanged.
func ResolveEndpoint(target *Target, fallback string, allowPrivate bool) (string, error) {
	base := target.BaseURL(fallback)
	if base == fallback {
		return strings.TrimSuffix(base, "/"), nil
	}
	if err := ValidateBaseURL(base, allowPrivate); err != nil {
		return "", fmt.Errorf("account %s: %w", target.Account.ID, err)
	}
	return strings.TrimSuffix(base, "/"), nil
}

func isPrivateOrLoopbackHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}

	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}

	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}

	return !ip.IsGlobalUnicast()
}
