package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve"

	"github.com/loopworks/mendloop/provider"
	"github.com/loopworks/mendloop/tools"
)

// Record is one searchable knowledge entry.
type Record struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Lookup is a BM25 search tool over an in-memory record set.
type Lookup struct {
	index   bleve.Index
	records map[string]Record
}

func New() (*Lookup, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create lookup index: %w", err)
	}
	return &Lookup{index: index, records: map[string]Record{}}, nil
}

func (l *Lookup) Add(r Record) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("record id required")
	}
	if err := l.index.Index(r.ID, map[string]string{"title": r.Title, "body": r.Body}); err != nil {
		return fmt.Errorf("index record %s: %w", r.ID, err)
	}
	l.records[r.ID] = r
	return nil
}

// LoadFile seeds the index from a JSON array of records.
func (l *Lookup) LoadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var recs []Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return 0, fmt.Errorf("parse records file: %w", err)
	}
	for _, r := range recs {
		if err := l.Add(r); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

func (l *Lookup) Search(q string, k int) ([]Record, error) {
	if k <= 0 || k > 50 {
		k = 5
	}
	query := bleve.NewMatchQuery(q)
	req := bleve.NewSearchRequestOptions(query, k, 0, false)
	res, err := l.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("lookup search: %w", err)
	}
	out := make([]Record, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if r, ok := l.records[hit.ID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// RegisterWith exposes the lookup as a records_search tool.
func (l *Lookup) RegisterWith(reg *tools.Registry) error {
	spec := provider.ToolSpec{
		Name:        "records_search",
		Description: "Search internal records by keyword. Returns matching entries with their titles and bodies.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string", "description": "keywords to search for"},
    "limit": {"type": "integer", "description": "max results, default 5"}
  }
}`),
	}
	return reg.Register(spec, func(ctx context.Context, args map[string]interface{}) (string, error) {
		q, _ := args["query"].(string)
		if strings.TrimSpace(q) == "" {
			return "", fmt.Errorf("query is required")
		}
		k := 5
		if v, ok := args["limit"].(float64); ok {
			k = int(v)
		}
		hits, err := l.Search(q, k)
		if err != nil {
			return "", err
		}
		if len(hits) == 0 {
			return "no records matched", nil
		}
		var b strings.Builder
		for _, r := range hits {
			fmt.Fprintf(&b, "[%s] %s: %s\n", r.ID, r.Title, r.Body)
		}
		return b.String(), nil
	})
}
