package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"

	"github.com/vinayprograms/agentcomm/message"
)

// BleveStore implements Store on a Bleve index. Topic and priority are
// keyword fields for exact filtering; content is analyzed for similarity
// search.
type BleveStore struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

// messageDocument is the indexed representation of a message.
type messageDocument struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Sender       string    `json:"sender"`
	Recipient    string    `json:"recipient"`
	Content      string    `json:"content"`
	Priority     string    `json:"priority"`
	PriorityRank float64   `json:"priority_rank"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewBleveStore opens or creates a Bleve-backed store under basePath.
func NewBleveStore(basePath string) (*BleveStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	indexPath := filepath.Join(basePath, "messages.bleve")

	var index bleve.Index
	var err error
	if _, statErr := os.Stat(indexPath); os.IsNotExist(statErr) {
		index, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create bleve index: %w", err)
		}
	} else {
		index, err = bleve.Open(indexPath)
		if err != nil {
			return nil, fmt.Errorf("open bleve index: %w", err)
		}
	}

	return &BleveStore{index: index}, nil
}

// buildIndexMapping creates the Bleve index mapping.
func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	dateFieldMapping := bleve.NewDateTimeFieldMapping()
	numericFieldMapping := bleve.NewNumericFieldMapping()

	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("topic", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("sender", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("recipient", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("priority", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("priority_rank", numericFieldMapping)
	docMapping.AddFieldMappingsAt("created_at", dateFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name

	return indexMapping
}

// Insert durably writes a message record.
func (s *BleveStore) Insert(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	doc := messageDocument{
		ID:           msg.ID,
		Topic:        msg.Topic,
		Sender:       msg.Sender,
		Recipient:    msg.Recipient,
		Content:      msg.Content,
		Priority:     string(msg.Priority),
		PriorityRank: float64(msg.Priority.Rank()),
		CreatedAt:    msg.CreatedAt,
	}

	if err := s.index.Index(msg.ID, doc); err != nil {
		return fmt.Errorf("index message: %w", err)
	}
	return nil
}

// Query returns messages for an exact topic newer than the cursor,
// oldest first with priority as tiebreak, so cursor-driven consumers
// page through the whole backlog.
func (s *BleveStore) Query(topic string, limit int, cursor time.Time) ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 10
	}

	topicQuery := bleve.NewTermQuery(topic)
	topicQuery.SetField("topic")

	boolQuery := bleve.NewBooleanQuery()
	boolQuery.AddMust(topicQuery)

	if !cursor.IsZero() {
		inclusive := false
		rangeQuery := bleve.NewDateRangeInclusiveQuery(cursor, time.Time{}, &inclusive, nil)
		rangeQuery.SetField("created_at")
		boolQuery.AddMust(rangeQuery)
	}

	searchReq := bleve.NewSearchRequest(boolQuery)
	searchReq.Size = limit
	searchReq.Fields = []string{"*"}
	searchReq.SortBy([]string{"created_at", "-priority_rank"})

	result, err := s.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	return hitsToMessages(result.Hits), nil
}

// Search returns messages whose content matches the query, most
// relevant first.
func (s *BleveStore) Search(query string, limit int) ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 10
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	searchReq := bleve.NewSearchRequest(matchQuery)
	searchReq.Size = limit
	searchReq.Fields = []string{"*"}

	result, err := s.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	return hitsToMessages(result.Hits), nil
}

// Close closes the underlying index.
func (s *BleveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.index.Close()
}

// hitsToMessages reconstructs messages from search hits.
func hitsToMessages(hits search.DocumentMatchCollection) []*message.Message {
	var msgs []*message.Message
	for _, hit := range hits {
		m := &message.Message{ID: hit.ID}
		if v, ok := hit.Fields["topic"].(string); ok {
			m.Topic = v
		}
		if v, ok := hit.Fields["sender"].(string); ok {
			m.Sender = v
		}
		if v, ok := hit.Fields["recipient"].(string); ok {
			m.Recipient = v
		}
		if v, ok := hit.Fields["content"].(string); ok {
			m.Content = v
		}
		if v, ok := hit.Fields["priority"].(string); ok {
			m.Priority = message.Priority(v)
		}
		if v, ok := hit.Fields["created_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				m.CreatedAt = t
			}
		}
		msgs = append(msgs, m)
	}
	return msgs
}
