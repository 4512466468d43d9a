package tool

import (
	"context"
	"net/http"
	"net/url"

	"github.com/origincreativegroup/Loom/internal/model"
)

const SearXNGName = "searxng"

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
		Engine  string `json:"engine"`
	} `json:"results"`
}

// searchSearXNG queries a SearXNG instance's JSON search API and keeps the
// first num_results hits.
func searchSearXNG(ctx context.Context, api *APIClient, target string, opts Options) ([]model.Record, string, error) {
	var resp searxngResponse
	raw, err := api.Do(ctx, APIRequest{
		Method: http.MethodGet,
		Path:   "/search",
		Query: url.Values{
			"q":      {target},
			"format": {"json"},
			"pageno": {"1"},
		},
	}, &resp)
	if err != nil {
		return nil, "", err
	}

	limit := opts.PositiveInt("num_results", 15)
	records := make([]model.Record, 0, min(limit, len(resp.Results)))
	for i, r := range resp.Results {
		if i >= limit {
			break
		}
		records = append(records, model.Record{
			"type":    "search_result",
			"title":   r.Title,
			"url":     r.URL,
			"content": r.Content,
			"engine":  r.Engine,
		})
	}
	return records, string(raw), nil
}
