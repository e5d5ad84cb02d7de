package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAuthRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewAuth("", "secret")
	require.Error(t, err)
	_, err = NewAuth("key", "")
	require.Error(t, err)
	_, err = NewAuth("key", "secret")
	require.NoError(t, err)
}

func TestSignCoversTimestampAndParams(t *testing.T) {
	t.Parallel()

	a, err := NewAuth("key", "secret")
	require.NoError(t, err)
	a.now = func() time.Time { return time.UnixMilli(1756000000000) }

	params := url.Values{}
	params.Set("symbol", "ETHBTC")
	signed := a.Sign(params)

	payload, sig, found := strings.Cut(signed, "&signature=")
	require.True(t, found)

	values, err := url.ParseQuery(payload)
	require.NoError(t, err)
	require.Equal(t, "ETHBTC", values.Get("symbol"))
	require.Equal(t, "1756000000000", values.Get("timestamp"))
	require.Equal(t, "5000", values.Get("recvWindow"))

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(payload))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestSignNilParams(t *testing.T) {
	t.Parallel()

	a, err := NewAuth("key", "secret")
	require.NoError(t, err)
	require.Contains(t, a.Sign(nil), "timestamp=")
	require.Equal(t, "key", a.APIKey())
}
