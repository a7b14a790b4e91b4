package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Proxy(t *testing.T) {
	c := New(5*time.Second, "http://127.0.0.1:8888")
	assert.Equal(t, 5*time.Second, c.Timeout)

	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, tr.Proxy)
	req, err := http.NewRequest(http.MethodGet, "https://api.binance.com/api/v3/time", nil)
	require.NoError(t, err)
	u, err := tr.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8888", u.Host)
}

func TestNew_Direct(t *testing.T) {
	for _, proxy := range []string{"", "://bad"} {
		c := New(time.Second, proxy)
		tr, ok := c.Transport.(*http.Transport)
		require.True(t, ok)
		assert.Nil(t, tr.Proxy, proxy)
	}
}
