package memory

import (
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"
)

// recallDoc is the indexed unit offered to Bleve: one conversation message,
// addressable by the (sessionId, nodeId, ordinal) it came from.
type recallDoc struct {
	SessionID string    `json:"sessionId"`
	NodeID    string    `json:"nodeId"`
	Ordinal   uint64    `json:"ordinal"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Indexed   time.Time `json:"indexed"`
}

// Recall is a lexical semantic-recall index over a session's conversation
// history, queried through Search. Messages enter it only through
// IndexMessage; system-prompt composition does not use it.
type Recall struct {
	index bleve.Index
}

// OpenRecall opens (or creates) a Bleve index at path for one session.
func OpenRecall(path string) (*Recall, error) {
	index, err := bleve.Open(path)
	if err == nil {
		return &Recall{index: index}, nil
	}
	mapping := bleve.NewIndexMapping()
	index, err = bleve.New(path, mapping)
	if err != nil {
		return nil, fmt.Errorf("recall: create index: %w", err)
	}
	return &Recall{index: index}, nil
}

// OpenRecallInMemory opens a transient, non-persisted index — useful for
// secondary graphs whose sessions are themselves not meant to survive
// restart.
func OpenRecallInMemory() (*Recall, error) {
	mapping := bleve.NewIndexMapping()
	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("recall: create in-memory index: %w", err)
	}
	return &Recall{index: index}, nil
}

// IndexMessage adds one conversation message to the recall index. Indexing
// is best-effort relative to the conversation log: the log itself, not this
// index, is the durable record.
func (r *Recall) IndexMessage(sessionID, nodeID string, ordinal uint64, msgType, content string) error {
	if content == "" {
		return nil
	}
	docID := fmt.Sprintf("%s/%s/%010d", sessionID, nodeID, ordinal)
	doc := recallDoc{
		SessionID: sessionID,
		NodeID:    nodeID,
		Ordinal:   ordinal,
		Type:      msgType,
		Content:   content,
		Indexed:   time.Now(),
	}
	return r.index.Index(docID, doc)
}

// RecallResult is one match returned by Search.
type RecallResult struct {
	NodeID  string
	Ordinal uint64
	Content string
	Score   float64
}

// Search returns the top-k messages (within sessionID, across all nodes)
// most relevant to query, highest score first.
func (r *Recall) Search(sessionID, query string, limit int) ([]RecallResult, error) {
	if limit <= 0 {
		limit = 5
	}
	sessionQuery := bleve.NewMatchQuery(sessionID)
	sessionQuery.SetField("sessionId")
	contentQuery := bleve.NewMatchQuery(query)
	contentQuery.SetField("content")

	conjunct := bleve.NewConjunctionQuery(sessionQuery, contentQuery)
	req := bleve.NewSearchRequestOptions(conjunct, limit, 0, false)
	req.Fields = []string{"nodeId", "ordinal", "content"}

	result, err := r.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("recall: search: %w", err)
	}

	out := make([]RecallResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		nodeID, _ := hit.Fields["nodeId"].(string)
		content, _ := hit.Fields["content"].(string)
		var ordinal uint64
		if f, ok := hit.Fields["ordinal"].(float64); ok {
			ordinal = uint64(f)
		}
		out = append(out, RecallResult{
			NodeID:  nodeID,
			Ordinal: ordinal,
			Content: content,
			Score:   hit.Score,
		})
	}
	return out, nil
}

// Close releases the underlying index handle.
func (r *Recall) Close() error {
	return r.index.Close()
}
