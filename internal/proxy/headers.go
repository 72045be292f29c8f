package proxy

import (
	"net/http"
	"strings"
)

// ForceAccountHeader is the debug-only ingress header that forces
// selection onto one account; it is scrubbed before the upstream request
// is built and never forwarded per spec.md §6.
const ForceAccountHeader = "x-codex-lb-force-account-id"

// scrubbedHeaders are proxy-identity headers stripped from the inbound
// request before it is forwarded upstream, per spec.md §4.I step 2c.
var scrubbedHeaders = map[string]bool{
	"authorization":  true,
	"host":           true,
	"content-length": true,
	"forwarded":      true,
	"x-real-ip":      true,
	"true-client-ip": true,
}

func isScrubbed(key string) bool {
	lower := strings.ToLower(key)
	if scrubbedHeaders[lower] {
		return true
	}
	if strings.HasPrefix(lower, "x-forwarded-") || strings.HasPrefix(lower, "cf-") {
		return true
	}
	if lower == ForceAccountHeader {
		return true
	}
	return false
}

// buildUpstreamHeaders copies everything from inbound except the scrubbed
// set, then injects the fresh bearer token and account identity.
func buildUpstreamHeaders(inbound http.Header, accessToken, chatgptAccountID string) http.Header {
	out := make(http.Header, len(inbound)+2)
	for key, values := range inbound {
		if isScrubbed(key) {
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}
	out.Set("Authorization", "Bearer "+accessToken)
	if chatgptAccountID != "" {
		out.Set("chatgpt-account-id", chatgptAccountID)
	}
	if out.Get("Content-Type") == "" {
		out.Set("Content-Type", "application/json")
	}
	return out
}
