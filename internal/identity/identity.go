// Package identity binds a verified beneficiary identity to on-chain
// retirement reasons.
//
// The chain stores a retirement reason as a free-form string. We append a
// compact machine-readable tag to that string so a later indexer read can
// reconstruct who the retirement was for without trusting the chain to store
// identity structurally:
//
//	Retired for ACME Corp [identity:eyJ2IjoxLCJtZXRob2QiOiJlbWFpbCIsLi4ufQ]
//
// The tag payload is base64url-encoded JSON with a version field. Malformed
// or forged tags never fail parsing; they simply yield the raw reason with no
// identity attached.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Method is the verification channel an identity came from.
type Method string

const (
	MethodNone   Method = "none"
	MethodManual Method = "manual"
	MethodEmail  Method = "email"
	MethodOAuth  Method = "oauth"
)

// Attribution identifies the beneficiary bound to a retirement.
// The zero value means no attribution.
type Attribution struct {
	Method   Method `json:"method"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider,omitempty"`
	Subject  string `json:"subject,omitempty"`
}

// CaptureInput carries raw identity hints from a caller before normalization.
type CaptureInput struct {
	Name     string
	Email    string
	Provider string
	Subject  string
}

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	tagPattern   = regexp.MustCompile(`\s*\[identity:([A-Za-z0-9\-_]+)\]\s*$`)
)

// CaptureIdentity normalizes raw inputs into an Attribution.
//
// Strings are trimmed, emails lowercased and validated. Provider and subject
// must be supplied together. Method precedence: oauth > email > manual > none.
func CaptureIdentity(in CaptureInput) (Attribution, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	provider := strings.TrimSpace(in.Provider)
	subject := strings.TrimSpace(in.Subject)

	if email != "" && !emailPattern.MatchString(email) {
		return Attribution{}, fmt.Errorf("invalid email address %q", email)
	}

	if (provider == "") != (subject == "") {
		return Attribution{}, fmt.Errorf("oauth identity requires both provider and subject")
	}

	switch {
	case provider != "":
		return Attribution{Method: MethodOAuth, Name: name, Email: email, Provider: provider, Subject: subject}, nil
	case email != "":
		return Attribution{Method: MethodEmail, Name: name, Email: email}, nil
	case name != "":
		return Attribution{Method: MethodManual, Name: name}, nil
	default:
		return Attribution{Method: MethodNone}, nil
	}
}

// encodedTag is the wire shape of the reason suffix payload.
type encodedTag struct {
	V        int    `json:"v"`
	Method   Method `json:"method"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider,omitempty"`
	Subject  string `json:"subject,omitempty"`
}

// AppendIdentityToReason composes the on-chain retirement reason from a base
// reason and an attribution. A none/zero attribution leaves the reason
// unchanged.
func AppendIdentityToReason(reason string, attr Attribution) string {
	if attr.Method == MethodNone || attr.Method == "" {
		return reason
	}

	payload, err := json.Marshal(encodedTag{
		V:        1,
		Method:   attr.Method,
		Name:     attr.Name,
		Email:    attr.Email,
		Provider: attr.Provider,
		Subject:  attr.Subject,
	})
	if err != nil {
		// Marshaling a struct of strings cannot fail; keep the reason usable.
		return reason
	}

	tag := base64.RawURLEncoding.EncodeToString(payload)
	if reason == "" {
		return fmt.Sprintf("[identity:%s]", tag)
	}
	return fmt.Sprintf("%s [identity:%s]", reason, tag)
}

// ParseAttributedReason splits a raw on-chain reason into its base text and
// the attribution encoded in its suffix, if any. Malformed or forged tags
// yield the raw reason and a nil attribution; parsing never fails.
func ParseAttributedReason(raw string) (string, *Attribution) {
	loc := tagPattern.FindStringSubmatchIndex(raw)
	if loc == nil {
		return raw, nil
	}

	base := raw[:loc[0]]
	payload, err := base64.RawURLEncoding.DecodeString(raw[loc[2]:loc[3]])
	if err != nil {
		return raw, nil
	}

	var tag encodedTag
	if err := json.Unmarshal(payload, &tag); err != nil {
		return raw, nil
	}
	if tag.V != 1 {
		return raw, nil
	}

	attr, err := CaptureIdentity(CaptureInput{
		Name:     tag.Name,
		Email:    tag.Email,
		Provider: tag.Provider,
		Subject:  tag.Subject,
	})
	if err != nil || attr.Method != tag.Method {
		return raw, nil
	}
	switch tag.Method {
	case MethodManual, MethodEmail, MethodOAuth:
	default:
		return raw, nil
	}

	return base, &attr
}
