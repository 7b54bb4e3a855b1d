package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory JobStore. It is the reference implementation
// used by the dispatcher/worker unit tests and the demo CLI; production
// deployments use SQLiteJobStore or MySQLJobStore instead.
type MemStore struct {
	mu      sync.RWMutex
	jobs    map[string]JobRecord
	queue   map[string]time.Time // jobID -> enqueued-at, only while QUEUED
}

// NewMemStore returns an empty in-memory JobStore.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:  make(map[string]JobRecord),
		queue: make(map[string]time.Time),
	}
}

func (m *MemStore) Get(_ context.Context, jobID string) (JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return j, nil
}

func (m *MemStore) ConditionalUpdate(_ context.Context, jobID, expectedStatus, newStatus string, patch JobPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != expectedStatus {
		return ErrConditionFailed
	}

	j.Status = newStatus
	if patch.StatusReason != nil {
		j.StatusReason = *patch.StatusReason
	}
	if patch.StatusDetail != nil {
		j.StatusDetail = *patch.StatusDetail
	}
	if patch.RecordsGenerated != nil {
		j.RecordsGenerated = *patch.RecordsGenerated
	}
	if patch.RecordsRejected != nil {
		j.RecordsRejected = *patch.RecordsRejected
	}
	if patch.TokensUsed != nil {
		j.TokensUsed = *patch.TokensUsed
	}
	if patch.CostAccumulated != nil {
		j.CostAccumulated = *patch.CostAccumulated
	}
	j.UpdatedAt = time.Now()
	m.jobs[jobID] = j

	switch {
	case expectedStatus == "QUEUED" && newStatus != "QUEUED":
		delete(m.queue, jobID)
	case newStatus == "QUEUED":
		m.queue[jobID] = j.CreatedAt
	}
	return nil
}

func (m *MemStore) ListByOwner(_ context.Context, ownerID, cursor string, limit int) ([]JobRecord, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []JobRecord
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			all = append(all, j)
		}
	}
	sort.Slice(all, func(i, k int) bool {
		if all[i].CreatedAt.Equal(all[k].CreatedAt) {
			return all[i].JobID < all[k].JobID
		}
		return all[i].CreatedAt.Before(all[k].CreatedAt)
	})

	start := 0
	if cursor != "" {
		for i, j := range all {
			if j.JobID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	if start > len(all) {
		start = len(all)
	}

	page := all[start:end]
	nextCursor := ""
	if end < len(all) {
		nextCursor = page[len(page)-1].JobID
	}
	return page, nextCursor, nil
}

func (m *MemStore) InsertWithQueueEntry(_ context.Context, job JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.JobID]; exists {
		return ErrConditionFailed
	}
	m.jobs[job.JobID] = job
	if job.Status == "QUEUED" {
		m.queue[job.JobID] = job.CreatedAt
	}
	return nil
}

func (m *MemStore) DequeueNext(_ context.Context) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bestID string
	var bestTime time.Time
	found := false
	for id, t := range m.queue {
		if !found || t.Before(bestTime) || (t.Equal(bestTime) && id < bestID) {
			bestID, bestTime, found = id, t, true
		}
	}
	return bestID, found, nil
}

func (m *MemStore) RemoveQueueEntry(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, jobID)
	return nil
}

// MemBlobStore is an in-memory BlobStore whose tag is a monotonically
// incrementing generation counter per key, mirroring the semantics GCS
// object generations provide in GCSBlobStore.
type MemBlobStore struct {
	mu   sync.RWMutex
	data map[string]memBlob
}

type memBlob struct {
	value []byte
	tag   string
	gen   int64
}

// NewMemBlobStore returns an empty in-memory BlobStore.
func NewMemBlobStore() *MemBlobStore {
	return &MemBlobStore{data: make(map[string]memBlob)}
}

func (b *MemBlobStore) Put(_ context.Context, key string, value []byte, ifTag string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, exists := b.data[key]
	if ifTag == "" {
		if exists {
			return "", ErrConditionFailed
		}
	} else if !exists || cur.tag != ifTag {
		return "", ErrConditionFailed
	}

	nextGen := cur.gen + 1
	newTag := genTag(nextGen)
	b.data[key] = memBlob{value: append([]byte(nil), value...), tag: newTag, gen: nextGen}
	return newTag, nil
}

func (b *MemBlobStore) Get(_ context.Context, key string) ([]byte, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cur, ok := b.data[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return append([]byte(nil), cur.value...), cur.tag, nil
}

func (b *MemBlobStore) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func genTag(gen int64) string {
	const digits = "0123456789"
	if gen == 0 {
		return "0"
	}
	var buf []byte
	for gen > 0 {
		buf = append([]byte{digits[gen%10]}, buf...)
		gen /= 10
	}
	return string(buf)
}

// MemMetadataStore is an in-memory MetadataStore for checkpoint metadata
// and the append-only cost-event log.
type MemMetadataStore struct {
	mu    sync.RWMutex
	items map[string]MetadataItem   // "partition:sort" -> item, version-conditional
	log   map[string][]MetadataItem // partition -> append-only rows
}

// NewMemMetadataStore returns an empty in-memory MetadataStore.
func NewMemMetadataStore() *MemMetadataStore {
	return &MemMetadataStore{
		items: make(map[string]MetadataItem),
		log:   make(map[string][]MetadataItem),
	}
}

func metaKey(partition, sort string) string { return partition + ":" + sort }

func (m *MemMetadataStore) ConditionalPut(_ context.Context, item MetadataItem, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := metaKey(item.PartitionKey, item.SortKey)
	cur, exists := m.items[key]
	if expectedVersion == 0 {
		if exists {
			return ErrConditionFailed
		}
	} else if !exists || cur.Version != expectedVersion {
		return ErrConditionFailed
	}

	item.UpdatedAt = time.Now()
	m.items[key] = item
	return nil
}

func (m *MemMetadataStore) Get(_ context.Context, partition, sort string) (MetadataItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[metaKey(partition, sort)]
	if !ok {
		return MetadataItem{}, ErrNotFound
	}
	return item, nil
}

func (m *MemMetadataStore) Append(_ context.Context, item MetadataItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.UpdatedAt = time.Now()
	m.log[item.PartitionKey] = append(m.log[item.PartitionKey], item)
	return nil
}

func (m *MemMetadataStore) Scan(_ context.Context, partition string) ([]MetadataItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MetadataItem, len(m.log[partition]))
	copy(out, m.log[partition])
	return out, nil
}

// MemTemplateStore is an in-memory TemplateStore; templates are inserted
// directly (the HTTP template-CRUD surface is out of the job core's scope).
type MemTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]TemplateRecord
}

// NewMemTemplateStore returns an empty in-memory TemplateStore.
func NewMemTemplateStore() *MemTemplateStore {
	return &MemTemplateStore{templates: make(map[string]TemplateRecord)}
}

// Put inserts or overwrites a template version; callers must respect
// immutability themselves — MemTemplateStore does not enforce it, to
// keep test fixtures simple.
func (s *MemTemplateStore) Put(rec TemplateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[templateKey(rec.TemplateID, rec.Version)] = rec
}

func (s *MemTemplateStore) Get(_ context.Context, templateID string, version int) (TemplateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.templates[templateKey(templateID, version)]
	if !ok {
		return TemplateRecord{}, ErrNotFound
	}
	return rec, nil
}

func templateKey(id string, version int) string {
	return id + "@" + genTag(int64(version))
}

// MemSeedSource is an in-memory SeedSource backed by a locator -> rows map,
// for tests and the demo CLI.
type MemSeedSource struct {
	mu   sync.RWMutex
	rows map[string][]map[string]interface{}
}

// NewMemSeedSource returns an empty in-memory SeedSource.
func NewMemSeedSource() *MemSeedSource {
	return &MemSeedSource{rows: make(map[string][]map[string]interface{})}
}

// Put registers the row set for a locator.
func (s *MemSeedSource) Put(locator string, rows []map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[locator] = rows
}

func (s *MemSeedSource) RowAt(_ context.Context, locator string, index int) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.rows[locator]
	if !ok || len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[index%len(rows)], nil
}
