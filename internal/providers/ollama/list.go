package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ProbeTimeout bounds the model-listing request against a self-hosted server.
const ProbeTimeout = 7 * time.Second

// ListModels fetches the model names a self-hosted Ollama server advertises
// at {host}/api/tags. It returns a deduplicated, lexicographically sorted
// list of trimmed non-empty names. Any failure (timeout, non-2xx, malformed
// body) yields an empty list, never an error: an unreachable host simply has
// no models to offer.
func ListModels(ctx context.Context, client *http.Client, host string) []string {
	root := strings.TrimSuffix(strings.TrimSpace(host), "/")
	root = strings.TrimSuffix(root, "/v1")
	if root == "" {
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root+"/api/tags", nil)
	if err != nil {
		return nil
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}

	var raw struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}

	seen := make(map[string]bool, len(raw.Models))
	names := make([]string, 0, len(raw.Models))
	for _, m := range raw.Models {
		name := strings.TrimSpace(m.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
