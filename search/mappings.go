package search

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/lumina-learning/pulse-core/infrastructure/errors"
)

// indexSettings carries the analyzers every index needs; subject_analyzer
// and edge_ngram_analyzer back the suggest and subject-aware search fields.
const indexSettings = `{
  "settings": {
    "analysis": {
      "filter": {
        "edge_ngram_filter": {"type": "edge_ngram", "min_gram": 2, "max_gram": 15}
      },
      "analyzer": {
        "standard_analyzer": {"type": "standard"},
        "subject_analyzer": {"tokenizer": "standard", "filter": ["lowercase", "stop"]},
        "edge_ngram_analyzer": {"tokenizer": "standard", "filter": ["lowercase", "edge_ngram_filter"]}
      }
    }
  },
  "mappings": {
    "properties": {
      "search_text": {"type": "text", "analyzer": "subject_analyzer"},
      "suggest_text": {"type": "completion"},
      "suggest_weight": {"type": "integer"},
      "data_sensitivity": {"type": "keyword"},
      "visible_to_roles": {"type": "keyword"}
    }
  }
}`

// EnsureIndices idempotently creates the documented indices if absent,
// with the analyzers required for full-text and completion search.
func EnsureIndices(ctx context.Context, es *elasticsearch.Client, indices []string) error {
	for _, index := range indices {
		exists, err := esapi.IndicesExistsRequest{Index: []string{index}}.Do(ctx, es)
		if err != nil {
			return errors.Internal(fmt.Sprintf("check index %q exists", index), err)
		}
		defer exists.Body.Close()
		if exists.StatusCode == 200 {
			continue
		}

		create, err := esapi.IndicesCreateRequest{
			Index: index,
			Body:  bytes.NewReader([]byte(indexSettings)),
		}.Do(ctx, es)
		if err != nil {
			return errors.Internal(fmt.Sprintf("create index %q", index), err)
		}
		defer create.Body.Close()
		if create.IsError() {
			body, _ := io.ReadAll(create.Body)
			return errors.Internal(fmt.Sprintf("create index %q failed: %s", index, string(body)), nil)
		}
	}
	return nil
}

// DocumentIndices is the extensible set of indices the indexer maintains.
var DocumentIndices = []string{"learners", "lessons", "assessments"}
