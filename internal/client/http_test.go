package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEmergencyPostsBody(t *testing.T) {
	var gotPath string
	var gotBody ResolveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"status":"success","message":"resolved"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL + "/")
	resp, err := c.ResolveEmergency(context.Background(), "demo_user", ResolveRequest{ResolutionType: "user_ok", SessionID: "s-1"})
	require.NoError(t, err)

	assert.Equal(t, "/api/walking/emergency/demo_user/resolve", gotPath)
	assert.Equal(t, "user_ok", gotBody.ResolutionType)
	assert.Equal(t, "s-1", gotBody.SessionID)
	assert.Equal(t, "resolved", resp.Message)
}

func TestConfirmHelpNeededPath(t *testing.T) {
	var gotBody HelpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/walking/emergency/u%201/confirm-help-needed", r.URL.EscapedPath())
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).ConfirmHelpNeeded(context.Background(), "u 1", HelpRequest{HelpType: "auto_timeout", Automatic: true})
	require.NoError(t, err)
	assert.Equal(t, "auto_timeout", gotBody.HelpType)
	assert.True(t, gotBody.Automatic)
}

func TestBackendErrorStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"no emergency manager"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).ResolveEmergency(context.Background(), "u", ResolveRequest{ResolutionType: "user_ok"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no emergency manager")
}

func TestNon2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).ConfirmHelpNeeded(context.Background(), "u", HelpRequest{HelpType: "general_help"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestCurrentEmergency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/walking/user/demo_user/current-emergency", r.URL.Path)
		w.Write([]byte(`{"status":"success","data":{"user_id":"demo_user","has_emergency":true,"duration_seconds":4.5,"emergency_level":"MONITORING","time_until_critical":10.5}}`))
	}))
	defer srv.Close()

	st, err := NewHTTPClient(srv.URL).CurrentEmergency(context.Background(), "demo_user")
	require.NoError(t, err)
	assert.True(t, st.HasEmergency)
	assert.Equal(t, "MONITORING", st.EmergencyLevel)
	assert.InDelta(t, 10.5, st.TimeUntilCritical, 1e-9)
}

func TestCurrentEmergencyFillsUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	st, err := NewHTTPClient(srv.URL).CurrentEmergency(context.Background(), "u9")
	require.NoError(t, err)
	assert.False(t, st.HasEmergency)
	assert.Equal(t, "u9", st.UserID)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"status":"healthy","connections":2}`))
	}))
	defer srv.Close()

	h, err := NewHTTPClient(srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h["status"])
}

func TestRequestsHonourContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTPClient(srv.URL).Health(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
