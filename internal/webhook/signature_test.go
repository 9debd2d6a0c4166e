package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheme_SignVerify(t *testing.T) {
	raw := []byte(`{"object":"payout","external_id":"p1","status":"paid"}`)

	schemes := []Scheme{
		{Header: "X-Sig", Algorithm: SHA1, Encoding: Hex},
		{Header: "X-Sig", Algorithm: SHA256, Encoding: Hex, Prefix: "sha256="},
		{Header: "X-Sig", Algorithm: SHA256, Encoding: Base64},
		{Header: "X-Sig", Algorithm: SHA512, Encoding: Base64, Prefix: "v1,"},
	}
	for _, s := range schemes {
		t.Run(string(s.Algorithm)+"_"+string(s.Encoding), func(t *testing.T) {
			sig := s.Sign(raw, "whsec")
			assert.True(t, s.Verify(raw, sig, "whsec"))
			assert.False(t, s.Verify(raw, sig, "other"), "wrong secret")
			assert.False(t, s.Verify(append([]byte{' '}, raw...), sig, "whsec"), "tampered body")
			assert.False(t, s.Verify(raw, sig, ""), "empty secret")
			assert.False(t, s.Verify(raw, "", "whsec"), "missing header")
		})
	}
}

func TestScheme_PrefixRequired(t *testing.T) {
	s := Scheme{Header: "X-Sig", Algorithm: SHA256, Encoding: Hex, Prefix: "sha256="}
	raw := []byte("body")
	sig := s.Sign(raw, "k")
	assert.False(t, s.Verify(raw, sig[len("sha256="):], "k"))
}

func TestVerifier(t *testing.T) {
	v, err := NewVerifier(map[string]Scheme{
		"paxum": {Header: "X-Paxum-Signature", Algorithm: SHA256, Encoding: Hex},
	})
	require.NoError(t, err)

	raw := []byte("payload")
	scheme, ok := v.Scheme("paxum")
	require.True(t, ok)
	sig := scheme.Sign(raw, "secret")

	assert.True(t, v.VerifySignature("paxum", raw, sig, "secret"))
	assert.False(t, v.VerifySignature("unknown", raw, sig, "secret"))

	_, err = NewVerifier(map[string]Scheme{"bad": {Header: "X", Algorithm: "md5", Encoding: Hex}})
	assert.Error(t, err)
}
