package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/brainless/nocodo-agent/pkg/tools"
)

const (
	// DefaultMaxFetchBytes caps a fetched document when the request sets
	// no limit of its own.
	DefaultMaxFetchBytes = 200 * 1024

	// DefaultMaxFetchItems caps how many child documents a recursive
	// fetch may retrieve.
	DefaultMaxFetchItems = 20

	// DefaultMaxFetchDepth bounds recursive following.
	DefaultMaxFetchDepth = 1

	// fetchBatchSize is how many children are fetched concurrently.
	fetchBatchSize = 5
)

// fetchURL retrieves one document and, when follow_field/follow_url are
// set, walks a bounded frontier of child documents referenced by that
// field. The frontier is explicit — visited set, depth bound, item cap —
// so a cyclic or adversarial feed cannot recurse unboundedly.
func (e *Executor) fetchURL(ctx context.Context, req *tools.FetchURLRequest) (tools.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, tools.InvalidArgument("url must be http or https: %s", req.URL)
	}

	maxSize := int64(DefaultMaxFetchBytes)
	if req.MaxSize > 0 {
		maxSize = req.MaxSize
		if maxSize > e.maxFileSize {
			maxSize = e.maxFileSize
		}
	}

	status, contentType, content, truncated, err := e.fetchOne(ctx, req.URL, maxSize)
	if err != nil {
		return nil, tools.ExecutionFailed("fetch %s: %v", req.URL, err)
	}

	resp := &tools.FetchURLResponse{
		URL:         req.URL,
		Status:      status,
		ContentType: contentType,
		Content:     content,
		Size:        int64(len(content)),
		Truncated:   truncated,
	}

	if req.FollowField != "" {
		items, stats := e.followChildren(ctx, req, content, maxSize)
		resp.Items = items
		resp.Stats = &stats
	}
	return resp, nil
}

func (e *Executor) fetchOne(ctx context.Context, rawURL string, maxSize int64) (int, string, string, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", "", false, err
	}
	httpReq.Header.Set("Accept", "*/*")

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return 0, "", "", false, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxSize+1))
	if err != nil {
		return httpResp.StatusCode, "", "", false, err
	}
	truncated := false
	if int64(len(data)) > maxSize {
		data = data[:maxSize]
		truncated = true
	}
	return httpResp.StatusCode, httpResp.Header.Get("Content-Type"), string(data), truncated, nil
}

type frontierEntry struct {
	id    string
	depth int
}

// followChildren walks the id frontier breadth-first, fetching batches
// concurrently and feeding newly discovered ids back in until the depth
// or item bound is hit.
func (e *Executor) followChildren(ctx context.Context, req *tools.FetchURLRequest, rootContent string, maxSize int64) ([]tools.FetchedItem, tools.FetchStats) {
	var stats tools.FetchStats
	items := []tools.FetchedItem{}

	maxDepth := req.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxFetchDepth
	}
	maxItems := req.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxFetchItems
	}

	visited := map[string]bool{}
	queue := []frontierEntry{}
	enqueue := func(ids []string, depth int) {
		for _, id := range ids {
			childURL := strings.ReplaceAll(req.FollowURL, "{id}", id)
			if visited[childURL] {
				stats.ItemsSkipped++
				continue
			}
			visited[childURL] = true
			queue = append(queue, frontierEntry{id: id, depth: depth})
		}
	}

	enqueue(extractFollowIDs(rootContent, req.FollowField), 1)

	type childResult struct {
		item tools.FetchedItem
		ids  []string
		err  error
	}

	for len(queue) > 0 && len(items) < maxItems && ctx.Err() == nil {
		batchSize := fetchBatchSize
		if remaining := maxItems - len(items); remaining < batchSize {
			batchSize = remaining
		}
		if len(queue) < batchSize {
			batchSize = len(queue)
		}
		batch := queue[:batchSize]
		queue = queue[batchSize:]

		results := make([]childResult, len(batch))
		var wg sync.WaitGroup
		for i, entry := range batch {
			wg.Add(1)
			go func(idx int, fe frontierEntry) {
				defer wg.Done()
				childURL := strings.ReplaceAll(req.FollowURL, "{id}", fe.id)
				status, _, content, _, fetchErr := e.fetchOne(ctx, childURL, maxSize)
				if fetchErr != nil {
					results[idx] = childResult{err: fetchErr}
					return
				}
				res := childResult{
					item: tools.FetchedItem{URL: childURL, Status: status, Content: content, Depth: fe.depth},
				}
				if fe.depth < maxDepth {
					res.ids = extractFollowIDs(content, req.FollowField)
				}
				results[idx] = res
			}(i, entry)
		}
		wg.Wait()

		for i, res := range results {
			if res.err != nil {
				stats.ItemsFailed++
				log.Debug().Str("id", batch[i].id).Err(res.err).Msg("Child fetch failed")
				continue
			}
			items = append(items, res.item)
			stats.ItemsFetched++
			if res.item.Depth > stats.MaxDepthSeen {
				stats.MaxDepthSeen = res.item.Depth
			}
			if len(res.ids) > 0 {
				enqueue(res.ids, batch[i].depth+1)
			}
		}
	}

	return items, stats
}

// extractFollowIDs pulls the follow field's values out of a JSON object.
// Numbers and strings are accepted; anything else is ignored.
func extractFollowIDs(content, field string) []string {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil
	}
	raw, ok := doc[field]
	if !ok {
		return nil
	}
	values, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		switch t := v.(type) {
		case string:
			ids = append(ids, t)
		case float64:
			ids = append(ids, strings.TrimSuffix(fmt.Sprintf("%.0f", t), ".0"))
		}
	}
	return ids
}
