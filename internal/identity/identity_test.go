package identity

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureIdentityPrecedence(t *testing.T) {
	tests := []struct {
		name string
		in   CaptureInput
		want Method
	}{
		{"oauth wins over email", CaptureInput{Email: "a@b.co", Provider: "google", Subject: "sub-1"}, MethodOAuth},
		{"email wins over manual", CaptureInput{Name: "Ada", Email: "ada@example.com"}, MethodEmail},
		{"manual when only name", CaptureInput{Name: "Ada"}, MethodManual},
		{"none when empty", CaptureInput{}, MethodNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attr, err := CaptureIdentity(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, attr.Method)
		})
	}
}

func TestCaptureIdentityNormalizes(t *testing.T) {
	attr, err := CaptureIdentity(CaptureInput{Name: "  Ada Lovelace ", Email: " Ada@Example.COM "})
	require.NoError(t, err)

	assert.Equal(t, "Ada Lovelace", attr.Name)
	assert.Equal(t, "ada@example.com", attr.Email)
}

func TestCaptureIdentityRejectsBadEmail(t *testing.T) {
	for _, email := range []string{"nope", "a@b", "a b@c.com", "@example.com"} {
		_, err := CaptureIdentity(CaptureInput{Email: email})
		assert.Error(t, err, "email %q should be rejected", email)
	}
}

func TestCaptureIdentityRequiresProviderAndSubjectTogether(t *testing.T) {
	_, err := CaptureIdentity(CaptureInput{Provider: "google"})
	assert.Error(t, err)

	_, err = CaptureIdentity(CaptureInput{Subject: "sub-1"})
	assert.Error(t, err)
}

func TestReasonRoundTrip(t *testing.T) {
	attrs := []Attribution{
		{Method: MethodManual, Name: "Ada Lovelace"},
		{Method: MethodEmail, Name: "Ada", Email: "ada@example.com"},
		{Method: MethodOAuth, Email: "ada@example.com", Provider: "google", Subject: "sub-123"},
		{Method: MethodOAuth, Provider: "github", Subject: "77"},
	}
	reasons := []string{"", "Offsetting Q1 compute", "multi word reason with [brackets] inside"}

	for _, attr := range attrs {
		for _, reason := range reasons {
			encoded := AppendIdentityToReason(reason, attr)
			gotReason, gotAttr := ParseAttributedReason(encoded)

			require.NotNil(t, gotAttr, "reason=%q attr=%+v", reason, attr)
			assert.Equal(t, reason, gotReason)
			assert.Equal(t, attr, *gotAttr)
		}
	}
}

func TestAppendIdentityNoneIsUnchanged(t *testing.T) {
	assert.Equal(t, "keep me", AppendIdentityToReason("keep me", Attribution{Method: MethodNone}))
	assert.Equal(t, "keep me", AppendIdentityToReason("keep me", Attribution{}))
}

func TestParseAttributedReasonMalformed(t *testing.T) {
	cases := []string{
		"plain reason with no tag",
		"bad base64 [identity:!!!!]",
		"not json [identity:" + base64.RawURLEncoding.EncodeToString([]byte("not json")) + "]",
		"wrong version [identity:" + base64.RawURLEncoding.EncodeToString([]byte(`{"v":2,"method":"email","email":"a@b.co"}`)) + "]",
		"bad method [identity:" + base64.RawURLEncoding.EncodeToString([]byte(`{"v":1,"method":"wizard","name":"x"}`)) + "]",
		"invalid email [identity:" + base64.RawURLEncoding.EncodeToString([]byte(`{"v":1,"method":"email","email":"nope"}`)) + "]",
		"inconsistent fields [identity:" + base64.RawURLEncoding.EncodeToString([]byte(`{"v":1,"method":"manual","email":"a@b.co"}`)) + "]",
	}

	for _, raw := range cases {
		gotReason, gotAttr := ParseAttributedReason(raw)
		assert.Equal(t, raw, gotReason, "malformed tag must yield the raw reason")
		assert.Nil(t, gotAttr)
	}
}

func TestParseAttributedReasonForeignSuffix(t *testing.T) {
	// A bracketed suffix that is not an identity tag stays part of the reason.
	raw := "reason [note:something]"
	gotReason, gotAttr := ParseAttributedReason(raw)

	assert.Equal(t, raw, gotReason)
	assert.Nil(t, gotAttr)
}
