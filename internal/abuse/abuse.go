// Package abuse holds the cheap request heuristics that run before any store
// access or external call: method and body shape, automation agents, origin
// allow-listing, the honeypot field and the proxy shared secret.
package abuse

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// ErrBodyTooLarge marks a body rejected by the size limit.
var ErrBodyTooLarge = errors.New("body too large")

// Reason identifies which check rejected a request.
type Reason string

const (
	ReasonMethod        Reason = "method_not_allowed"
	ReasonMalformedBody Reason = "malformed_body"
	ReasonBodyTooLarge  Reason = "body_too_large"
	ReasonAgent         Reason = "suspicious_agent"
	ReasonOrigin        Reason = "invalid_origin"
	ReasonHoneypot      Reason = "honeypot"
	ReasonSharedSecret  Reason = "shared_secret"
)

// Request is the metadata the heuristics look at.
type Request struct {
	Method     string
	UserAgent  string
	Origin     string
	Referer    string
	BodyErr    error
	Honeypot   string
	AuthHeader string
}

// Violation is returned by a failing Check.
type Violation struct {
	Reason Reason
	Detail string
}

func (v *Violation) Error() string {
	if v.Detail == "" {
		return string(v.Reason)
	}
	return string(v.Reason) + ": " + v.Detail
}

// Check inspects request metadata and returns nil when the request passes.
type Check func(Request) *Violation

// Policy is an ordered list of checks evaluated until the first violation.
type Policy []Check

// Evaluate runs the checks in order and returns the first violation.
func (p Policy) Evaluate(r Request) *Violation {
	for _, check := range p {
		if v := check(r); v != nil {
			return v
		}
	}
	return nil
}

// Method rejects anything but POST.
func Method() Check {
	return func(r Request) *Violation {
		if r.Method != http.MethodPost {
			return &Violation{Reason: ReasonMethod, Detail: r.Method}
		}
		return nil
	}
}

// Body rejects requests whose body could not be decoded.
func Body() Check {
	return func(r Request) *Violation {
		if r.BodyErr == nil {
			return nil
		}
		if errors.Is(r.BodyErr, ErrBodyTooLarge) {
			return &Violation{Reason: ReasonBodyTooLarge, Detail: r.BodyErr.Error()}
		}
		return &Violation{Reason: ReasonMalformedBody, Detail: r.BodyErr.Error()}
	}
}

// DefaultAgentDenyList lists substrings of common non-browser clients.
var DefaultAgentDenyList = []string{
	"curl", "python", "wget", "bot", "postman", "httpie", "go-http-client",
	"okhttp", "axios", "node-fetch", "libwww", "scrapy", "java/",
}

// Agent rejects empty or short user agents and those matching a deny-list
// entry (case-insensitive substring match).
func Agent(minLength int, denyList []string) Check {
	deny := make([]string, 0, len(denyList))
	for _, d := range denyList {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			deny = append(deny, d)
		}
	}
	return func(r Request) *Violation {
		ua := strings.TrimSpace(r.UserAgent)
		if ua == "" {
			return &Violation{Reason: ReasonAgent, Detail: "empty user agent"}
		}
		if len(ua) < minLength {
			return &Violation{Reason: ReasonAgent, Detail: "user agent too short"}
		}
		lower := strings.ToLower(ua)
		for _, d := range deny {
			if strings.Contains(lower, d) {
				return &Violation{Reason: ReasonAgent, Detail: "matched " + d}
			}
		}
		return nil
	}
}

// Origin accepts the request when either the Origin or the Referer header
// points at the allowed front-end (same scheme and host). An empty allowed
// origin disables the check.
func Origin(allowed string) Check {
	want, err := url.Parse(strings.TrimSpace(allowed))
	if allowed == "" || err != nil || want.Host == "" {
		return func(Request) *Violation { return nil }
	}
	return func(r Request) *Violation {
		if sameSite(want, r.Origin) || sameSite(want, r.Referer) {
			return nil
		}
		return &Violation{Reason: ReasonOrigin, Detail: "origin=" + r.Origin + " referer=" + r.Referer}
	}
}

func sameSite(want *url.URL, raw string) bool {
	if raw == "" {
		return false
	}
	got, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(got.Scheme, want.Scheme) && strings.EqualFold(got.Host, want.Host)
}

// Honeypot rejects requests that filled in the hidden form field.
func Honeypot() Check {
	return func(r Request) *Violation {
		if strings.TrimSpace(r.Honeypot) != "" {
			return &Violation{Reason: ReasonHoneypot}
		}
		return nil
	}
}

// SharedSecret requires the proxy secret header when secret is non-empty.
func SharedSecret(secret string) Check {
	return func(r Request) *Violation {
		if secret == "" {
			return nil
		}
		if subtle.ConstantTimeCompare([]byte(r.AuthHeader), []byte(secret)) != 1 {
			return &Violation{Reason: ReasonSharedSecret}
		}
		return nil
	}
}
