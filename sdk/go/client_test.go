package carryoversdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicateSendsBearerAndBody(t *testing.T) {
	var gotAuth string
	var gotBody ReplicationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/replications", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"run_id":"r1","succeeded":1,"items":[{"source":"Story:1","status":"succeeded","created":"Story:9001"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	out, err := c.Replicate(context.Background(), ReplicationRequest{Stories: []string{"Story:1"}, Timebox: "Timebox:9", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, []string{"Story:1"}, gotBody.Stories)
	assert.True(t, gotBody.DryRun)
	assert.Equal(t, "r1", out.RunID)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "Story:9001", out.Items[0].Created)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"not found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Run(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "code=not_found")
}

func TestRunsPageEncodesQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"id":"r1"}],"next_cursor":"2024-01-01T00:00:00Z|r1"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "").RunsPage(context.Background(), "Timebox:9", "", 10, "a|b")
	require.NoError(t, err)
	assert.Equal(t, "cursor=a%7Cb&limit=10&timebox=Timebox%3A9", gotQuery)
	assert.Equal(t, "2024-01-01T00:00:00Z|r1", page.NextCursor)
}
