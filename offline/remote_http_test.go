package offline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPRemote(t *testing.T) {
	t.Run("fetch_collection", testHTTPFetchCollection)
	t.Run("apply_mutation", testHTTPApplyMutation)
	t.Run("server_version", testHTTPServerVersion)
	t.Run("fetch_asset_blob", testHTTPFetchAssetBlob)
	t.Run("transport_failure", testHTTPTransportFailure)
}

func testHTTPFetchCollection(t *testing.T) {
	ctx := context.Background()

	rec, err := NewRecord(TagSubjects, "sub-1", Subject{ID: "sub-1", Name: "Maths"}, time.Now().UTC())
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/subjects", r.URL.Path)
		require.Equal(t, "8", r.URL.Query().Get("class"))
		json.NewEncoder(w).Encode(map[string]any{"records": []Record{rec}})
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL + "/")
	recs, err := remote.FetchCollection(ctx, TagSubjects, map[string]string{"class": "8"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "sub-1", recs[0].Key)

	// non-200 is an error but not a network error
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	_, err = NewHTTPRemote(failing.URL).FetchCollection(ctx, TagSubjects, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNetworkUnavailable)
}

func testHTTPApplyMutation(t *testing.T) {
	ctx := context.Background()
	m := Mutation{ID: "m1", Kind: MutationQuizScore, TargetID: "quiz-1", Payload: []byte(`{"score":9}`)}

	var got Mutation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mutations", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, NewHTTPRemote(srv.URL).ApplyMutation(ctx, m))
	require.Equal(t, "m1", got.ID)
	require.JSONEq(t, `{"score":9}`, string(got.Payload))

	for _, status := range []int{http.StatusConflict, http.StatusUnprocessableEntity} {
		rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			io.WriteString(w, "stale write")
		}))
		err := NewHTTPRemote(rejecting.URL).ApplyMutation(ctx, m)
		rejecting.Close()
		require.ErrorIs(t, err, ErrSyncRejected)
		require.Contains(t, err.Error(), "stale write")
	}

	// a 5xx is retryable, not a rejection
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer flaky.Close()
	err := NewHTTPRemote(flaky.URL).ApplyMutation(ctx, m)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSyncRejected)
}

func testHTTPServerVersion(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/assets/book-1/version", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]int64{"version": 7})
	}))
	defer srv.Close()

	v, err := NewHTTPRemote(srv.URL).GetServerVersion(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, int64(7), v)
}

func testHTTPFetchAssetBlob(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("blob payload"))
	}))
	defer srv.Close()

	body, size, err := NewHTTPRemote(srv.URL).FetchAssetBlob(ctx, srv.URL+"/assets/book-1")
	require.NoError(t, err)
	defer body.Close()
	require.Equal(t, int64(len("blob payload")), size)

	blob, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, []byte("blob payload"), blob)
}

func testHTTPTransportFailure(t *testing.T) {
	ctx := context.Background()

	// a closed server yields connection refused, mapped to network unavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	remote := NewHTTPRemote(srv.URL)

	_, err := remote.FetchCollection(ctx, TagSubjects, nil)
	require.ErrorIs(t, err, ErrNetworkUnavailable)

	err = remote.ApplyMutation(ctx, Mutation{ID: "m", Kind: MutationQuizScore, TargetID: "q"})
	require.ErrorIs(t, err, ErrNetworkUnavailable)

	_, err = remote.GetServerVersion(ctx, "book-1")
	require.ErrorIs(t, err, ErrNetworkUnavailable)

	_, _, err = remote.FetchAssetBlob(ctx, srv.URL+"/x")
	require.ErrorIs(t, err, ErrNetworkUnavailable)
}
