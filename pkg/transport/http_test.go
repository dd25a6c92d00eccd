package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCloud answers the login and runtime endpoints. The runtime endpoint
// fails with failMessage for the first failures calls.
type fakeCloud struct {
	server       *httptest.Server
	logins       atomic.Int32
	runtimeCalls atomic.Int32
	failures     int32
	failMessage  string
	expireOnce   atomic.Bool
}

func newFakeCloud(t *testing.T, failures int32, failMessage string) *fakeCloud {
	t.Helper()
	c := &fakeCloud{failures: failures, failMessage: failMessage}
	mux := http.NewServeMux()
	mux.HandleFunc(pathLogin, func(w http.ResponseWriter, r *http.Request) {
		c.logins.Add(1)
		if r.PostFormValue("password") != "secret" {
			writeJSON(w, map[string]any{"success": false, "msg": "account or password error"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc"})
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc(pathRuntime, func(w http.ResponseWriter, r *http.Request) {
		n := c.runtimeCalls.Add(1)
		if c.expireOnce.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if n <= c.failures {
			writeJSON(w, map[string]any{"success": false, "msg": c.failMessage})
			return
		}
		writeJSON(w, map[string]any{"success": true, "serialNum": r.PostFormValue("serialNum"), "vBat": 539, "soc": 80, "ppv1": 1250, "fwCode": "FAAB-2122"})
	})
	mux.HandleFunc(pathRemoteRead, func(w http.ResponseWriter, r *http.Request) {
		// registers 19 and 20: 2092 and 1, low byte first
		writeJSON(w, map[string]any{"success": true, "valueFrame": "2c080100"})
	})
	mux.HandleFunc(pathDayChart, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true, "data": []map[string]any{
			{"time": r.PostFormValue("dateText") + " 10:05:00", "solarPv": 1250, "consumption": 430},
		}})
	})
	c.server = httptest.NewServer(mux)
	t.Cleanup(c.server.Close)
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestHTTP(t *testing.T, baseURL, password string) *HTTPTransport {
	t.Helper()
	ht, err := NewHTTPTransport(HTTPConfig{
		BaseURL:  baseURL,
		Username: "installer",
		Password: password,
		Serial:   testInverterSerial,
		Timeout:  time.Second,
		Retry:    RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}, nil)
	require.NoError(t, err)
	return ht
}

func TestHTTPReadRuntime(t *testing.T) {
	assert := assert.New(t)

	cloud := newFakeCloud(t, 0, "")
	ht := newTestHTTP(t, cloud.server.URL, "secret")
	assert.NoError(ht.Connect(context.Background()))

	r, err := ht.ReadRuntime(context.Background())
	assert.NoError(err)
	assert.InDelta(53.9, r.Values["battery_voltage"], 1e-9)
	assert.Equal(80.0, r.Values["soc"])
	assert.Equal(1250.0, r.Values["pv1_power"])
	assert.Equal(int32(1), cloud.runtimeCalls.Load())
}

func TestHTTPReadBeforeConnect(t *testing.T) {
	cloud := newFakeCloud(t, 0, "")
	ht := newTestHTTP(t, cloud.server.URL, "secret")

	_, err := ht.ReadRuntime(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, int32(0), cloud.runtimeCalls.Load())

	// empty requests make no calls but still need a session
	_, err = ht.ReadParameters(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
	err = ht.WriteParameters(context.Background(), map[uint16]uint16{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHTTPTransientErrorIsRetried(t *testing.T) {
	assert := assert.New(t)

	cloud := newFakeCloud(t, 2, "DEVICE_BUSY")
	ht := newTestHTTP(t, cloud.server.URL, "secret")
	assert.NoError(ht.Connect(context.Background()))

	_, err := ht.ReadRuntime(context.Background())
	assert.NoError(err)
	assert.Equal(int32(3), cloud.runtimeCalls.Load())
}

func TestHTTPTransientErrorExhaustsRetries(t *testing.T) {
	assert := assert.New(t)

	cloud := newFakeCloud(t, 100, "remote communication error")
	ht := newTestHTTP(t, cloud.server.URL, "secret")
	assert.NoError(ht.Connect(context.Background()))

	_, err := ht.ReadRuntime(context.Background())
	assert.True(IsTransient(err))
	var pe *ProtocolError
	assert.ErrorAs(err, &pe)
	assert.Equal("remote communication error", pe.Message)
	// first attempt plus three retries
	assert.Equal(int32(4), cloud.runtimeCalls.Load())
}

func TestHTTPPermanentErrorIsNotRetried(t *testing.T) {
	assert := assert.New(t)

	cloud := newFakeCloud(t, 100, "device not found")
	ht := newTestHTTP(t, cloud.server.URL, "secret")
	assert.NoError(ht.Connect(context.Background()))

	_, err := ht.ReadRuntime(context.Background())
	assert.ErrorIs(err, ErrPermanent)
	assert.False(IsTransient(err))
	assert.Equal(int32(1), cloud.runtimeCalls.Load())
}

func TestHTTPConnectionErrorIsNotRetried(t *testing.T) {
	cloud := newFakeCloud(t, 0, "")
	ht := newTestHTTP(t, cloud.server.URL, "secret")
	require.NoError(t, ht.Connect(context.Background()))
	cloud.server.Close()

	_, err := ht.ReadRuntime(context.Background())
	assert.True(t, IsConnectionError(err))
	assert.False(t, IsTransient(err))
}

func TestHTTPLoginFailure(t *testing.T) {
	cloud := newFakeCloud(t, 0, "")
	ht := newTestHTTP(t, cloud.server.URL, "wrong")

	err := ht.Connect(context.Background())
	assert.ErrorIs(t, err, ErrPermanent)
	assert.False(t, ht.IsConnected())
}

func TestHTTPSessionRenewal(t *testing.T) {
	assert := assert.New(t)

	cloud := newFakeCloud(t, 0, "")
	ht := newTestHTTP(t, cloud.server.URL, "secret")
	assert.NoError(ht.Connect(context.Background()))
	cloud.expireOnce.Store(true)

	_, err := ht.ReadRuntime(context.Background())
	assert.NoError(err)
	assert.Equal(int32(2), cloud.logins.Load())
	assert.Equal(int32(2), cloud.runtimeCalls.Load())
}

func TestHTTPReadParametersDecodesValueFrame(t *testing.T) {
	cloud := newFakeCloud(t, 0, "")
	ht := newTestHTTP(t, cloud.server.URL, "secret")
	require.NoError(t, ht.Connect(context.Background()))

	code, err := ht.ReadDeviceType(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, uint16(2092), code)

	fw, err := ht.ReadFirmwareVersion(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "FAAB-2122", fw)
}

func TestHTTPReadHistory(t *testing.T) {
	cloud := newFakeCloud(t, 0, "")
	ht := newTestHTTP(t, cloud.server.URL, "secret")
	require.NoError(t, ht.Connect(context.Background()))

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	points, err := ht.ReadHistory(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 5, 0, 0, time.UTC), points[0].Time)
	assert.Equal(t, 1250.0, points[0].Values["solarPv"])
}

func TestTransientMessageCatalog(t *testing.T) {
	assert := assert.New(t)

	assert.True(IsTransientMessage("DEVICE_BUSY"))
	assert.True(IsTransientMessage("Timeout"))
	assert.True(IsTransientMessage("remote communication error"))
	assert.False(IsTransientMessage("device not found"))
	assert.False(IsTransientMessage("parameter out of range"))
}

func TestNewHTTPTransportValidates(t *testing.T) {
	_, err := NewHTTPTransport(HTTPConfig{BaseURL: "https://eu.luxpowertek.com", Username: "u"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
