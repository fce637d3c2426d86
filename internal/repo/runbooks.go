package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/miradorstack/mirador-responder/internal/cache"
)

// RunbookClass is the Weaviate class holding remembered runbooks.
const RunbookClass = "ResponderRunbook"

// RunbookRecord is a remediation plan remembered from an earlier incident.
type RunbookRecord struct {
	CorrelationID string    `json:"correlationId"`
	ResourceType  string    `json:"resourceType"`
	EventName     string    `json:"eventName"`
	Mechanism     string    `json:"mechanism"`
	Steps         []string  `json:"steps"`
	CreatedAt     time.Time `json:"createdAt"`
}

// WeaviateRunbookIndex stores and recalls runbooks in a Weaviate class.
type WeaviateRunbookIndex struct {
	client *weaviate.Client
	cache  cache.Provider
	ttl    time.Duration
}

// NewWeaviateRunbookIndex constructs the index. An empty endpoint disables it:
// lookups return nothing and stores are dropped.
func NewWeaviateRunbookIndex(endpoint, apiKey string, timeout time.Duration, cacheProvider cache.Provider, ttl time.Duration) (*WeaviateRunbookIndex, error) {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if ttl < 0 {
		ttl = 0
	}
	idx := &WeaviateRunbookIndex{cache: cacheProvider, ttl: ttl}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return idx, nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate endpoint %q", endpoint)
	}

	cfg := weaviate.Config{
		Host:             parsed.Host,
		Scheme:           parsed.Scheme,
		ConnectionClient: &http.Client{Timeout: timeout},
		Timeout:          timeout,
	}
	if apiKey != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + apiKey}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	idx.client = client
	return idx, nil
}

// StoreRunbook persists a runbook for later recall.
func (r *WeaviateRunbookIndex) StoreRunbook(ctx context.Context, rec RunbookRecord) error {
	if r == nil {
		return fmt.Errorf("runbook index not initialised")
	}
	if r.client == nil {
		return nil
	}

	_, err := r.client.Data().Creator().
		WithClassName(RunbookClass).
		WithProperties(map[string]any{
			"correlationId": rec.CorrelationID,
			"resourceType":  rec.ResourceType,
			"eventName":     rec.EventName,
			"mechanism":     rec.Mechanism,
			"steps":         rec.Steps,
			"createdAt":     rec.CreatedAt.UTC().Format(time.RFC3339),
		}).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate store runbook: %w", err)
	}
	return nil
}

// SimilarRunbooks returns the most recent runbooks used for the same resource
// type and event name. Results are cached for the configured TTL.
func (r *WeaviateRunbookIndex) SimilarRunbooks(ctx context.Context, resourceType, eventName string, limit int) ([]RunbookRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("runbook index not initialised")
	}
	if r.client == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	cacheKey := fmt.Sprintf("weaviate:runbooks:%s:%s:%d", resourceType, eventName, limit)
	if r.ttl > 0 {
		if data, err := r.cache.Get(ctx, cacheKey); err == nil {
			var cached []RunbookRecord
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"resourceType"}).
				WithOperator(filters.Equal).
				WithValueText(resourceType),
			filters.Where().
				WithPath([]string{"eventName"}).
				WithOperator(filters.Equal).
				WithValueText(eventName),
		})

	result, err := r.client.GraphQL().Get().
		WithClassName(RunbookClass).
		WithFields(
			graphql.Field{Name: "correlationId"},
			graphql.Field{Name: "resourceType"},
			graphql.Field{Name: "eventName"},
			graphql.Field{Name: "mechanism"},
			graphql.Field{Name: "steps"},
			graphql.Field{Name: "createdAt"},
		).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"createdAt"}, Order: graphql.Desc}).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate runbook query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate runbook query: %s", result.Errors[0].Message)
	}

	raw, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("decode runbook query: %w", err)
	}
	var response struct {
		Get struct {
			ResponderRunbook []RunbookRecord `json:"ResponderRunbook"`
		} `json:"Get"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("decode runbook query: %w", err)
	}

	results := response.Get.ResponderRunbook
	if r.ttl > 0 && len(results) > 0 {
		if data, err := json.Marshal(results); err == nil {
			_ = r.cache.Set(ctx, cacheKey, data, r.ttl)
		}
	}
	return results, nil
}
