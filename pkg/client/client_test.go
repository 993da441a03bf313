package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmitQueryCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/jobs/submit", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "exit 0", body["script"])
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "42"})
	})
	mux.HandleFunc("/v1/jobs/query/42", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(JobEnvelope{ID: "42", State: "RUNNING"})
	})
	mux.HandleFunc("/v1/jobs/cancel/42", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"msg": "取消成功"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	id, err := c.Submit(context.Background(), SubmitRequest{Name: "test", TasksPerNode: 1, CPUsPerTask: 1, Script: "exit 0"})
	require.NoError(t, err)
	require.Equal(t, "42", id)

	job, err := c.Query(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "RUNNING", job.State)

	msg, err := c.Cancel(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "取消成功", msg)
}

func TestQuery_PropagatesAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/jobs/query/999", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "job 999 not found"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Query(context.Background(), "999")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}
