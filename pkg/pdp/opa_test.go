package pdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOPAPDPAllowDeny(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/data/agentbus/authz", func(w http.ResponseWriter, r *http.Request) {
		var req opaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		allow := req.Input.Resource != "denied_resource"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(opaResponse{Result: &opaResult{Allow: allow}})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	p := NewOPAPDP(OPAConfig{URL: server.URL, PolicyVersion: "test-v1"})

	allowed, err := p.Evaluate(context.Background(), &DecisionInput{PolicyID: "p1", Resource: "ok"})
	require.NoError(t, err)
	require.True(t, allowed.Allowed)

	denied, err := p.Evaluate(context.Background(), &DecisionInput{PolicyID: "p1", Resource: "denied_resource"})
	require.NoError(t, err)
	require.False(t, denied.Allowed)
}

func TestOPAPDPFailsClosedOnUnreachable(t *testing.T) {
	p := NewOPAPDP(OPAConfig{URL: "http://127.0.0.1:0", PolicyVersion: "test-v1"})

	_, err := p.Evaluate(context.Background(), &DecisionInput{PolicyID: "p1", Resource: "ok"})
	require.Error(t, err)
	require.ErrorIs(t, err, errOPAConnection)
}

func TestOPAPDPFailsClosedOnNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	p := NewOPAPDP(OPAConfig{URL: server.URL, PolicyVersion: "test-v1"})
	_, err := p.Evaluate(context.Background(), &DecisionInput{PolicyID: "p1", Resource: "ok"})
	require.Error(t, err)
	require.ErrorIs(t, err, errOPAConnection)
}
