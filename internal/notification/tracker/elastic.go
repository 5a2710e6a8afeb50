package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"notification-dispatch/internal/models"
)

// ElasticIndexer mirrors delivery events into a search index so operators can
// query them without touching the primary store.
type ElasticIndexer struct {
	client *elasticsearch.Client
	index  string
}

func NewElasticIndexer(client *elasticsearch.Client, index string) *ElasticIndexer {
	return &ElasticIndexer{client: client, index: index}
}

// Deliver indexes ev under its own id, so replays overwrite instead of
// duplicating.
func (x *ElasticIndexer) Deliver(ctx context.Context, ev *models.DeliveryEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req := esapi.IndexRequest{
		Index:      x.index,
		DocumentID: ev.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, x.client)
	if err != nil {
		return fmt.Errorf("index event %s: %w", ev.ID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index event %s: %s", ev.ID, res.Status())
	}
	return nil
}

func buildSearchQuery(f models.EventFilter) map[string]interface{} {
	var filters []interface{}
	term := func(field, value string) {
		if value != "" {
			filters = append(filters, map[string]interface{}{
				"term": map[string]interface{}{field: value},
			})
		}
	}
	term("tenantId", f.TenantID)
	term("entryId", f.EntryID)
	term("channel", string(f.Channel))
	term("toStatus", string(f.Status))

	if f.From != nil || f.To != nil {
		rng := map[string]interface{}{}
		if f.From != nil {
			rng["gte"] = f.From.UTC().Format(time.RFC3339Nano)
		}
		if f.To != nil {
			rng["lt"] = f.To.UTC().Format(time.RFC3339Nano)
		}
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{"occurredAt": rng},
		})
	}

	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if len(filters) > 0 {
		query = map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		}
	}
	return map[string]interface{}{
		"query": query,
		"sort": []interface{}{
			map[string]interface{}{"occurredAt": map[string]interface{}{"order": "desc"}},
		},
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source models.DeliveryEvent `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs f against the index, newest first.
func (x *ElasticIndexer) Search(ctx context.Context, f models.EventFilter) ([]models.DeliveryEvent, error) {
	body, err := json.Marshal(buildSearchQuery(f))
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	size := f.Limit
	if size <= 0 {
		size = defaultQueryLimit
	}
	req := esapi.SearchRequest{
		Index: []string{x.index},
		Body:  strings.NewReader(string(body)),
		Size:  &size,
	}
	res, err := req.Do(ctx, x.client)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search events: %s", res.Status())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	out := make([]models.DeliveryEvent, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}
