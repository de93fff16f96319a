package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agi-run/missionctl/model"
)

func testInvocation() Invocation {
	return Invocation{
		CaseID:    "case-1",
		NodeID:    "draft",
		Operation: "draft-email",
		Attempt:   1,
		Input:     map[string]any{"lead_id": "L-42"},
	}
}

func TestHTTPInvoker_Success(t *testing.T) {
	var gotPath, gotKey string
	var gotInv Invocation

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotInv))

		json.NewEncoder(w).Encode(Result{
			Output:  map[string]any{"draft": "Hello"},
			CostUSD: 0.21,
			Evidence: []Citation{
				{SourceRef: "https://example.com/profile", Trust: 0.8},
			},
		})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, nil)
	result, err := inv.Invoke(context.Background(), testInvocation())
	require.NoError(t, err)

	assert.Equal(t, "/v1/operations/draft-email", gotPath)
	assert.Equal(t, "case-1:draft:1", gotKey)
	assert.Equal(t, "case-1", gotInv.CaseID)
	assert.Equal(t, "Hello", result.Output["draft"])
	assert.Equal(t, 0.21, result.CostUSD)
	require.Len(t, result.Evidence, 1)
	assert.Equal(t, 0.8, result.Evidence[0].Trust)
}

func TestHTTPInvoker_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "agent crashed", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPInvoker(srv.URL, nil).Invoke(context.Background(), testInvocation())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPInvoker_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown operation", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTPInvoker(srv.URL, nil).Invoke(context.Background(), testInvocation())
	require.Error(t, err)
	assert.False(t, IsTransient(err))

	envelope, ok := err.(*model.ErrorEnvelope)
	require.True(t, ok)
	assert.Equal(t, model.ErrNodeExecution, envelope.Code)
}

func TestHTTPInvoker_MalformedResultIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewHTTPInvoker(srv.URL, nil).Invoke(context.Background(), testInvocation())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "malformed result")
}

func TestHTTPInvoker_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	_, err := NewHTTPInvoker(srv.URL, nil).Invoke(context.Background(), testInvocation())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestHTTPInvoker_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewHTTPInvoker(srv.URL, nil).Invoke(ctx, testInvocation())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPInvoker_IdempotencyKeyVariesByAttempt(t *testing.T) {
	inv := testInvocation()
	first := idempotencyKey(inv)
	inv.Attempt = 2
	assert.NotEqual(t, first, idempotencyKey(inv))
}
