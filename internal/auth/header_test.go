package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becknworks/beckn-mesh/internal/crypto"
)

func testKeypair(t *testing.T) (privB64, pubB64 string) {
	t.Helper()
	privB64, pubB64, err := crypto.GenerateSigningKeypair()
	require.NoError(t, err)
	return privB64, pubB64
}

func TestBuildVerify_RoundTrip(t *testing.T) {
	privB64, pubB64 := testKeypair(t)
	priv, err := crypto.SigningPrivateFromB64(privB64)
	require.NoError(t, err)
	pub, err := crypto.SigningPublicFromB64(pubB64)
	require.NoError(t, err)

	body := []byte(`{"x":1}`)
	hdr, err := BuildHeader(BuildParams{
		SubscriberID: "bap.example.com",
		UniqueKeyID:  "k1",
		PrivateKey:   priv,
		Body:         body,
		Created:      1_700_000_000,
		Validity:     3600 * time.Second,
	})
	require.NoError(t, err)

	parsed, err := ParseHeader(hdr)
	require.NoError(t, err)
	assert.Equal(t, "bap.example.com", parsed.SubscriberID)
	assert.Equal(t, "k1", parsed.UniqueKeyID)
	assert.Equal(t, "ed25519", parsed.Algorithm)
	assert.Equal(t, int64(1_700_000_000), parsed.Created)
	assert.Equal(t, int64(1_700_003_600), parsed.Expires)

	at := func(ts int64) VerifyOptions {
		return VerifyOptions{Now: func() time.Time { return time.Unix(ts, 0) }}
	}
	assert.True(t, VerifyHeader(hdr, body, pub, at(1_700_000_100)))
	// 30 s of clock skew past expires is tolerated, more is not.
	assert.True(t, VerifyHeader(hdr, body, pub, at(1_700_003_625)))
	assert.False(t, VerifyHeader(hdr, body, pub, at(1_700_003_700)))
}

func TestVerifyHeader_BodyMutationFails(t *testing.T) {
	privB64, pubB64 := testKeypair(t)
	priv, _ := crypto.SigningPrivateFromB64(privB64)
	pub, _ := crypto.SigningPublicFromB64(pubB64)

	body := []byte(`{"context":{"action":"search"},"message":{}}`)
	hdr, err := BuildHeader(BuildParams{
		SubscriberID: "bap.example.com",
		UniqueKeyID:  "k1",
		PrivateKey:   priv,
		Body:         body,
	})
	require.NoError(t, err)

	require.True(t, VerifyHeader(hdr, body, pub, VerifyOptions{}))
	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		assert.False(t, VerifyHeader(hdr, mutated, pub, VerifyOptions{}), "mutation at byte %d accepted", i)
	}
}

func TestVerifyHeader_EmptyBody(t *testing.T) {
	privB64, pubB64 := testKeypair(t)
	priv, _ := crypto.SigningPrivateFromB64(privB64)
	pub, _ := crypto.SigningPublicFromB64(pubB64)

	hdr, err := BuildHeader(BuildParams{
		SubscriberID: "bap.example.com",
		UniqueKeyID:  "k1",
		PrivateKey:   priv,
		Body:         nil,
	})
	require.NoError(t, err)
	assert.True(t, VerifyHeader(hdr, nil, pub, VerifyOptions{}))
	assert.True(t, VerifyHeader(hdr, []byte{}, pub, VerifyOptions{}))
	assert.False(t, VerifyHeader(hdr, []byte(" "), pub, VerifyOptions{}))
}

func TestParseHeader_WhitespaceAndOrder(t *testing.T) {
	// Parameters reordered, spread over lines, with stray spacing.
	hdr := "Signature  signature=\"c2ln\" ,\n\t created=\"1700000000\", expires = \"1700003600\",\n" +
		" algorithm=\"ed25519\", headers=\"(created) (expires) digest\", keyId=\"bpp.example.com|key-7|ed25519\""

	parsed, err := ParseHeader(hdr)
	require.NoError(t, err)
	assert.Equal(t, "bpp.example.com", parsed.SubscriberID)
	assert.Equal(t, "key-7", parsed.UniqueKeyID)
	assert.Equal(t, "ed25519", parsed.KeyAlgorithm)
	assert.Equal(t, int64(1_700_000_000), parsed.Created)
	assert.Equal(t, int64(1_700_003_600), parsed.Expires)
	assert.Equal(t, "c2ln", parsed.Signature)
}

func TestParseHeader_GatewayDomainKeyID(t *testing.T) {
	privB64, _ := testKeypair(t)
	priv, _ := crypto.SigningPrivateFromB64(privB64)

	hdr, err := BuildHeader(BuildParams{
		SubscriberID: "gateway.example.com",
		UniqueKeyID:  "gk1",
		PrivateKey:   priv,
		Body:         []byte(`{}`),
		Domain:       "ONDC:RET10",
	})
	require.NoError(t, err)

	parsed, err := ParseHeader(hdr)
	require.NoError(t, err)
	assert.Equal(t, "gateway.example.com|gk1|ed25519|ONDC:RET10", parsed.KeyID)
	assert.Equal(t, "gateway.example.com", parsed.SubscriberID)
	assert.Equal(t, "gk1", parsed.UniqueKeyID)
	assert.Equal(t, "ONDC:RET10", parsed.KeyDomain)
}

func TestParseHeader_Rejects(t *testing.T) {
	for name, hdr := range map[string]string{
		"empty":          "",
		"wrong scheme":   `Bearer abc`,
		"missing keyId":  `Signature algorithm="ed25519",created="1",expires="2",headers="(created) (expires) digest",signature="c2ln"`,
		"missing sig":    `Signature keyId="a|b|ed25519",algorithm="ed25519",created="1",expires="2",headers="(created) (expires) digest"`,
		"bad created":    `Signature keyId="a|b|ed25519",algorithm="ed25519",created="soon",expires="2",headers="(created) (expires) digest",signature="c2ln"`,
		"empty keyId":    `Signature keyId="",algorithm="ed25519",created="1",expires="2",headers="(created) (expires) digest",signature="c2ln"`,
	} {
		_, err := ParseHeader(hdr)
		assert.Error(t, err, "case %s", name)
	}
}

func TestVerifyHeader_AlgorithmMismatch(t *testing.T) {
	privB64, pubB64 := testKeypair(t)
	priv, _ := crypto.SigningPrivateFromB64(privB64)
	pub, _ := crypto.SigningPublicFromB64(pubB64)

	body := []byte(`{"x":1}`)
	hdr, err := BuildHeader(BuildParams{
		SubscriberID: "bap.example.com",
		UniqueKeyID:  "k1",
		PrivateKey:   priv,
		Body:         body,
	})
	require.NoError(t, err)

	parsed, err := ParseHeader(hdr)
	require.NoError(t, err)
	parsed.Algorithm = "rsa256"
	assert.False(t, VerifyParsed(parsed, body, pub, VerifyOptions{}))
}

func TestSigningString_Exact(t *testing.T) {
	got := SigningString(1_700_000_000, 1_700_003_600, []byte(`{"x":1}`))
	want := "(created): 1700000000\n(expires): 1700003600\ndigest: BLAKE-512=" +
		crypto.HashBody([]byte(`{"x":1}`))
	require.Equal(t, want, got)
}

func TestBuildHeader_Defaults(t *testing.T) {
	privB64, _ := testKeypair(t)
	priv, _ := crypto.SigningPrivateFromB64(privB64)

	before := time.Now().Unix()
	hdr, err := BuildHeader(BuildParams{
		SubscriberID: "bap.example.com",
		UniqueKeyID:  "k1",
		PrivateKey:   priv,
		Body:         []byte(`{}`),
	})
	require.NoError(t, err)

	parsed, err := ParseHeader(hdr)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, parsed.Created, before)
	assert.Equal(t, parsed.Created+3600, parsed.Expires)
}

func TestBuildHeader_Rejects(t *testing.T) {
	privB64, _ := testKeypair(t)
	priv, _ := crypto.SigningPrivateFromB64(privB64)

	_, err := BuildHeader(BuildParams{UniqueKeyID: "k1", PrivateKey: priv})
	assert.Error(t, err)
	_, err = BuildHeader(BuildParams{SubscriberID: "s", PrivateKey: priv})
	assert.Error(t, err)
	_, err = BuildHeader(BuildParams{SubscriberID: "s", UniqueKeyID: "k1", PrivateKey: priv[:10]})
	assert.Error(t, err)
}
