package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignWebSocketReproducible(t *testing.T) {
	a, err := SignWebSocket("secret", "client-1", "aa:bb:cc:dd:ee:ff", 1700000000)
	require.NoError(t, err)
	b, err := SignWebSocket("secret", "client-1", "aa:bb:cc:dd:ee:ff", 1700000000)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := SignWebSocket("secret", "client-1", "aa:bb:cc:dd:ee:ff", 1700000001)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestSignWebSocketFormat(t *testing.T) {
	token, err := SignWebSocket("secret", "c", "u", 42)
	require.NoError(t, err)

	sig, ts, ok := strings.Cut(token, ".")
	require.True(t, ok)
	assert.Equal(t, "42", ts)
	assert.NotContains(t, sig, "=")
	assert.NotContains(t, sig, "+")
	assert.NotContains(t, sig, "/")

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("c|u|42"))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), sig)
}

func TestSignWebSocketMissingKey(t *testing.T) {
	_, err := SignWebSocket("", "c", "u", 1)
	assert.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestVerifyWebSocketToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	token, err := SignWebSocket("secret", "client", "dev", now.Unix())
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, VerifyWebSocketToken("secret", token, "client", "dev", time.Hour, now.Add(time.Minute)))
	})

	t.Run("bearer prefix", func(t *testing.T) {
		assert.NoError(t, VerifyWebSocketToken("secret", "Bearer "+token, "client", "dev", time.Hour, now))
	})

	t.Run("expired", func(t *testing.T) {
		err := VerifyWebSocketToken("secret", token, "client", "dev", time.Hour, now.Add(2*time.Hour))
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong identity", func(t *testing.T) {
		err := VerifyWebSocketToken("secret", token, "other", "dev", time.Hour, now)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("wrong secret", func(t *testing.T) {
		err := VerifyWebSocketToken("other", token, "client", "dev", time.Hour, now)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("malformed", func(t *testing.T) {
		assert.ErrorIs(t, VerifyWebSocketToken("secret", "nodot", "client", "dev", time.Hour, now), ErrMalformedToken)
		assert.ErrorIs(t, VerifyWebSocketToken("secret", "sig.notanumber", "client", "dev", time.Hour, now), ErrMalformedToken)
	})
}

func TestBuildMQTTCredential(t *testing.T) {
	cred, err := BuildMQTTCredential("mqtt-key", "mqtt.example.com:1883", "esp32", "AA:BB:CC:DD:EE:FF", "10.0.0.5")
	require.NoError(t, err)

	assert.Equal(t, "mqtt.example.com:1883", cred.Endpoint)
	assert.Equal(t, "esp32@@@AA_BB_CC_DD_EE_FF@@@AA_BB_CC_DD_EE_FF", cred.ClientID)

	userData, err := base64.StdEncoding.DecodeString(cred.Username)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ip":"10.0.0.5"}`, string(userData))

	mac := hmac.New(sha256.New, []byte("mqtt-key"))
	mac.Write([]byte(cred.ClientID + "|" + cred.Username))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), cred.Password)

	assert.Equal(t, "device-server", cred.PublishTopic)
	assert.Equal(t, "devices/p2p/AA_BB_CC_DD_EE_FF", cred.SubscribeTopic)
}

func TestBuildMQTTCredentialDefaults(t *testing.T) {
	cred, err := BuildMQTTCredential("k", "e", "", "aa:bb:cc:dd:ee:ff", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cred.ClientID, "GID_default@@@"))
	assert.Equal(t, "devices/p2p/aa_bb_cc_dd_ee_ff", cred.SubscribeTopic)

	userData, err := base64.StdEncoding.DecodeString(cred.Username)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ip":"unknown"}`, string(userData))

	_, err = BuildMQTTCredential("", "e", "esp32", "aa:bb:cc:dd:ee:ff", "")
	assert.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestBearerToken(t *testing.T) {
	loc := time.UTC
	morning := time.Date(2025, 3, 9, 0, 0, 1, 0, loc)
	evening := time.Date(2025, 3, 9, 23, 59, 59, 0, loc)
	nextDay := time.Date(2025, 3, 10, 0, 0, 0, 0, loc)

	a, err := BearerToken("bearer-key", morning)
	require.NoError(t, err)
	b, err := BearerToken("bearer-key", evening)
	require.NoError(t, err)
	c, err := BearerToken("bearer-key", nextDay)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	sum := sha256.Sum256([]byte("2025-03-09bearer-key"))
	assert.Equal(t, hex.EncodeToString(sum[:]), a)

	_, err = BearerToken("", morning)
	assert.ErrorIs(t, err, ErrConfigurationMissing)
}
