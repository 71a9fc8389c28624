// Package index maintains the published-content list view in
// Meilisearch: the title/alias listing the editor shows per entity
// collection. It is refreshed after every publish or canonical delete
// and degrades to a no-op when Meilisearch is unreachable.
package index

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxContent = "mosaic_content"

// Entry is one row in the content list.
type Entry struct {
	// ID is the primary key: "type/id" with slashes replaced, since
	// Meilisearch document ids only allow [a-zA-Z0-9_-].
	ID         string `json:"id"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Language   string `json:"language,omitempty"`
	Title      string `json:"title"`
	Alias      string `json:"alias,omitempty"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Meili maintains the content-list index.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates the client and configures the index. The instance
// keeps monitoring health in the background; while unhealthy every
// refresh is skipped.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("index: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxContent,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("index: create index %s (may already exist): %v", idxContent, err)
	}

	index := m.client.Index(idxContent)
	filterable := []interface{}{"entityType", "entityId", "language"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("index: update filterable attrs: %v", err)
	}
	searchable := []string{"title", "alias"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("index: update searchable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
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
				log.Println("index: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Upsert refreshes one entry, fire-and-forget.
func (m *Meili) Upsert(e Entry) {
	if m == nil || !m.Healthy() {
		return
	}
	go func() {
		if _, err := m.client.Index(idxContent).AddDocuments([]Entry{e}, nil); err != nil {
			log.Printf("index: upsert %s: %v", e.ID, err)
		}
	}()
}

// RemoveEntity drops every entry for the entity, fire-and-forget.
// Translatable entities index one entry per language, so removal goes
// by filter rather than a single document id.
func (m *Meili) RemoveEntity(entityType, entityID string) {
	if m == nil || !m.Healthy() {
		return
	}
	go func() {
		filter := fmt.Sprintf("entityType = %q AND entityId = %q", entityType, entityID)
		if _, err := m.client.Index(idxContent).DeleteDocumentsByFilter(filter, nil); err != nil {
			log.Printf("index: remove %s/%s: %v", entityType, entityID, err)
		}
	}()
}
