package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwardle/chartreg/server"
)

func TestClientIP(t *testing.T) {
	newReq := func(headers map[string]string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "203.0.113.9:51481"
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		return r
	}

	require.Equal(t, "203.0.113.9", server.ClientIP(newReq(nil)))

	require.Equal(t, "198.51.100.1", server.ClientIP(newReq(map[string]string{
		"X-Forwarded-For": "198.51.100.1, 10.0.0.2, 10.0.0.3",
	})))

	require.Equal(t, "198.51.100.2", server.ClientIP(newReq(map[string]string{
		"X-Real-IP":       "198.51.100.2",
		"X-Forwarded-For": "198.51.100.1",
	})))

	require.Equal(t, "198.51.100.3", server.ClientIP(newReq(map[string]string{
		"True-Client-IP": "198.51.100.3",
		"X-Real-IP":      "198.51.100.2",
	})))
}
