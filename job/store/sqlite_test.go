package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sqlTestDB {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &sqlTestDB{
		jobs:      NewSQLiteJobStore(db),
		templates: NewSQLiteTemplateStore(db),
		blobs:     NewSQLiteBlobStore(db),
		meta:      NewSQLiteMetadataStore(db),
	}
}

// sqlTestDB bundles the four store facades opened against one shared
// connection, mirroring how a real deployment wires a single *sql.DB.
type sqlTestDB struct {
	jobs      *SQLiteJobStore
	templates *SQLiteTemplateStore
	blobs     *SQLiteBlobStore
	meta      *SQLiteMetadataStore
}

func testJobRecord(jobID string) JobRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return JobRecord{
		JobID: jobID, OwnerID: "owner-1", Status: "QUEUED", TemplateID: "tmpl-1", TemplateVersion: 1,
		SeedLocator: "seed-1", TargetRecords: 10, BudgetLimit: 5, OutputFormat: "jsonl",
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestSQLiteJobStoreInsertAndGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	rec := testJobRecord("job-1")
	require.NoError(t, db.jobs.InsertWithQueueEntry(ctx, rec))

	got, err := db.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, rec.JobID, got.JobID)
	require.Equal(t, rec.Status, got.Status)
	require.Equal(t, rec.BudgetLimit, got.BudgetLimit)
}

func TestSQLiteJobStoreGetReturnsErrNotFoundForUnknownJob(t *testing.T) {
	db := openTestDB(t)
	_, err := db.jobs.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteJobStoreConditionalUpdateAppliesPatchAndTransitionsStatus(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.jobs.InsertWithQueueEntry(ctx, testJobRecord("job-1")))

	generated := 4
	err := db.jobs.ConditionalUpdate(ctx, "job-1", "QUEUED", "RUNNING", JobPatch{RecordsGenerated: &generated})
	require.NoError(t, err)

	got, err := db.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "RUNNING", got.Status)
	require.Equal(t, 4, got.RecordsGenerated)
}

func TestSQLiteJobStoreConditionalUpdateRejectsStaleExpectedStatus(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.jobs.InsertWithQueueEntry(ctx, testJobRecord("job-1")))
	require.NoError(t, db.jobs.ConditionalUpdate(ctx, "job-1", "QUEUED", "RUNNING", JobPatch{}))

	err := db.jobs.ConditionalUpdate(ctx, "job-1", "QUEUED", "RUNNING", JobPatch{})
	require.ErrorIs(t, err, ErrConditionFailed)
}

func TestSQLiteJobStoreConditionalUpdateRemovesQueueEntryLeavingQueue(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.jobs.InsertWithQueueEntry(ctx, testJobRecord("job-1")))

	require.NoError(t, db.jobs.ConditionalUpdate(ctx, "job-1", "QUEUED", "RUNNING", JobPatch{}))

	_, found, err := db.jobs.DequeueNext(ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestSQLiteJobStoreDequeueNextReturnsFIFOOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	first := testJobRecord("job-1")
	second := testJobRecord("job-2")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, db.jobs.InsertWithQueueEntry(ctx, second))
	require.NoError(t, db.jobs.InsertWithQueueEntry(ctx, first))

	jobID, found, err := db.jobs.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "job-1", jobID)
}

func TestSQLiteJobStoreListByOwnerPaginatesAndSetsCursor(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, db.jobs.InsertWithQueueEntry(ctx, testJobRecord(id)))
	}

	page, cursor, err := db.jobs.ListByOwner(ctx, "owner-1", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "job-2", cursor)

	rest, cursor2, err := db.jobs.ListByOwner(ctx, "owner-1", cursor, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Empty(t, cursor2)
}

func TestSQLiteTemplateStorePutIsIdempotentAndGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	rec := TemplateRecord{TemplateID: "tmpl-1", Version: 1, StepsJSON: []byte(`[]`), SchemaJSON: []byte(`[]`)}
	require.NoError(t, db.templates.Put(ctx, rec))
	require.NoError(t, db.templates.Put(ctx, rec)) // re-insert of same version is a no-op

	got, err := db.templates.Get(ctx, "tmpl-1", 1)
	require.NoError(t, err)
	require.Equal(t, rec.StepsJSON, got.StepsJSON)
}

func TestSQLiteTemplateStoreGetReturnsErrNotFoundForUnknownVersion(t *testing.T) {
	db := openTestDB(t)
	_, err := db.templates.Get(context.Background(), "tmpl-1", 7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteBlobStorePutGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	tag, err := db.blobs.Put(ctx, "k", []byte("v1"), "")
	require.NoError(t, err)
	require.NotEmpty(t, tag)

	data, gotTag, err := db.blobs.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), data)
	require.Equal(t, tag, gotTag)

	require.NoError(t, db.blobs.Delete(ctx, "k"))
	_, _, err = db.blobs.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteBlobStorePutRejectsMismatchedTag(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.blobs.Put(ctx, "k", []byte("v1"), "")
	require.NoError(t, err)

	_, err = db.blobs.Put(ctx, "k", []byte("v2"), "wrong-tag")
	require.ErrorIs(t, err, ErrConditionFailed)
}

func TestSQLiteBlobStorePutRejectsNonEmptyTagOnMissingKey(t *testing.T) {
	_, err := openTestDB(t).blobs.Put(context.Background(), "missing", []byte("v"), "some-tag")
	require.ErrorIs(t, err, ErrConditionFailed)
}

func TestSQLiteMetadataStoreConditionalPutEnforcesVersionAndGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	item := MetadataItem{PartitionKey: "p", SortKey: "s", Version: 1, Payload: []byte(`{"n":1}`), UpdatedAt: time.Now()}
	require.NoError(t, db.meta.ConditionalPut(ctx, item, 0))

	got, err := db.meta.Get(ctx, "p", "s")
	require.NoError(t, err)
	require.Equal(t, 1, got.Version)
	require.Equal(t, item.Payload, got.Payload)

	err = db.meta.ConditionalPut(ctx, item, 0)
	require.ErrorIs(t, err, ErrConditionFailed)
}

func TestSQLiteMetadataStoreScanReturnsItemsInAppendOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.meta.Append(ctx, MetadataItem{PartitionKey: "p", SortKey: "1", Payload: []byte(`1`)}))
	require.NoError(t, db.meta.Append(ctx, MetadataItem{PartitionKey: "p", SortKey: "2", Payload: []byte(`2`)}))

	items, err := db.meta.Scan(ctx, "p")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "1", items[0].SortKey)
	require.Equal(t, "2", items[1].SortKey)
}
