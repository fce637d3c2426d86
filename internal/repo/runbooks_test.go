package repo

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

	"github.com/miradorstack/mirador-responder/internal/cache"
)

type fakeWeaviate struct {
	graphqlHits atomic.Int32
	graphql     func(w http.ResponseWriter, query string)
	objects     func(w http.ResponseWriter, body map[string]any)
	authHeader  atomic.Value
}

func newFakeWeaviate(t *testing.T, fw *fakeWeaviate) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/meta", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"1.25.0"}`))
	})
	mux.HandleFunc("/v1/graphql", func(w http.ResponseWriter, r *http.Request) {
		fw.graphqlHits.Add(1)
		fw.authHeader.Store(r.Header.Get("Authorization"))
		var body struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fw.graphql(w, body.Query)
	})
	mux.HandleFunc("/v1/objects", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fw.objects(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunbookIndexDisabledWithoutEndpoint(t *testing.T) {
	idx, err := NewWeaviateRunbookIndex("", "", time.Second, nil, 0)
	require.NoError(t, err)

	recs, err := idx.SimilarRunbooks(context.Background(), "ec2", "StopInstances", 3)
	require.NoError(t, err)
	assert.Empty(t, recs)
	require.NoError(t, idx.StoreRunbook(context.Background(), RunbookRecord{ResourceType: "ec2"}))
}

func TestRunbookIndexRejectsInvalidEndpoint(t *testing.T) {
	_, err := NewWeaviateRunbookIndex("weaviate-without-scheme", "", time.Second, nil, 0)
	require.Error(t, err)
}

func TestSimilarRunbooksCachesResults(t *testing.T) {
	fw := &fakeWeaviate{}
	fw.graphql = func(w http.ResponseWriter, query string) {
		assert.Contains(t, query, RunbookClass)
		assert.Contains(t, query, "StopInstances")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"Get": map[string]any{RunbookClass: []map[string]any{{
				"correlationId": "c-1",
				"resourceType":  "ec2",
				"eventName":     "StopInstances",
				"mechanism":     "automation_document",
				"steps":         []string{"start instance"},
				"createdAt":     "2025-01-02T15:04:05Z",
			}}}},
		})
	}
	srv := newFakeWeaviate(t, fw)

	idx, err := NewWeaviateRunbookIndex(srv.URL, "key", time.Second, cache.NewMemoryProvider(nil), time.Minute)
	require.NoError(t, err)

	ctx := context.Background()
	recs, err := idx.SimilarRunbooks(ctx, "ec2", "StopInstances", 3)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "c-1", recs[0].CorrelationID)
	assert.Equal(t, []string{"start instance"}, recs[0].Steps)
	assert.Equal(t, "Bearer key", fw.authHeader.Load())

	recs, err = idx.SimilarRunbooks(ctx, "ec2", "StopInstances", 3)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 1, fw.graphqlHits.Load(), "second lookup must be served from cache")
}

func TestSimilarRunbooksSurfacesGraphQLErrors(t *testing.T) {
	fw := &fakeWeaviate{}
	fw.graphql = func(w http.ResponseWriter, _ string) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{"message": "class not found"}},
		})
	}
	srv := newFakeWeaviate(t, fw)

	idx, err := NewWeaviateRunbookIndex(srv.URL, "", time.Second, nil, 0)
	require.NoError(t, err)

	_, err = idx.SimilarRunbooks(context.Background(), "ec2", "StopInstances", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "class not found")
}

func TestStoreRunbook(t *testing.T) {
	var stored atomic.Value
	fw := &fakeWeaviate{}
	fw.objects = func(w http.ResponseWriter, body map[string]any) {
		stored.Store(body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "5b6a08ba-1d46-43aa-89cc-8b070790c6f2",
			"class":      body["class"],
			"properties": body["properties"],
		})
	}
	srv := newFakeWeaviate(t, fw)

	idx, err := NewWeaviateRunbookIndex(srv.URL, "", time.Second, nil, 0)
	require.NoError(t, err)

	err = idx.StoreRunbook(context.Background(), RunbookRecord{
		CorrelationID: "c-1",
		ResourceType:  "ec2",
		EventName:     "StopInstances",
		Steps:         []string{"start instance"},
		CreatedAt:     time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)

	body, ok := stored.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, RunbookClass, body["class"])
	props, ok := body["properties"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c-1", props["correlationId"])
	assert.Equal(t, "2025-01-02T15:04:05Z", props["createdAt"])
}

func TestStoreRunbookSurfacesServerErrors(t *testing.T) {
	fw := &fakeWeaviate{}
	fw.objects = func(w http.ResponseWriter, _ map[string]any) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":[{"message":"bad class"}]}`))
	}
	srv := newFakeWeaviate(t, fw)

	idx, err := NewWeaviateRunbookIndex(srv.URL, "", time.Second, nil, 0)
	require.NoError(t, err)

	err = idx.StoreRunbook(context.Background(), RunbookRecord{ResourceType: "ec2"})
	require.Error(t, err)
}
