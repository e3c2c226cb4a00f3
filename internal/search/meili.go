package search

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"roamlist/api/internal/logger"
)

const idxMessages = "roamlist_messages"

// Meili implements Backend via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logger.Logger
	healthy atomic.Bool
	done    chan struct{}
	stopped chan struct{}
}

// NewMeili creates a Meilisearch client and configures the message index. An unreachable
// server is not an error; the health loop picks it up once it recovers.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	if log == nil {
		log = logger.NewNop()
	}
	m := &Meili{
		client:  meili.New(url, meili.WithAPIKey(apiKey)),
		log:     log.With("component", "search"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", "url", url, "error", err)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxMessages, PrimaryKey: "id"}); err != nil {
		m.log.Debug("create index (may already exist)", "index", idxMessages, "error", err)
	}

	index := m.client.Index(idxMessages)
	filterable := []interface{}{"groupId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", "index", idxMessages, "error", err)
	}
	searchable := []string{"text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", "index", idxMessages, "error", err)
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.log.Warn("update sortable attributes", "index", idxMessages, "error", err)
	}
}

func (m *Meili) healthLoop() {
	defer close(m.stopped)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered; reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
	<-m.stopped
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) IndexMessages(records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMessages).AddDocuments(records, nil)
	return err
}

// SearchMessages returns matching message ids in groupID, newest first.
func (m *Meili) SearchMessages(groupID, query string, limit int) ([]string, error) {
	if !m.healthy.Load() {
		return nil, ErrUnavailable
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxMessages,
			Query:    query,
			Limit:    int64(limit),
			Filter:   groupFilter(groupID),
			Sort:     []string{"createdAt:desc"},
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	var ids []string
	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			if id := decodeString(hit, "id"); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func groupFilter(groupID string) string {
	return fmt.Sprintf("groupId = %q", groupID)
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
