package job

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hatmanstack/plot-palette/job/store"
)

func newCheckpointEngine() (*CheckpointEngine, *store.MemBlobStore, *store.MemMetadataStore) {
	blobs := store.NewMemBlobStore()
	meta := store.NewMemMetadataStore()
	return NewCheckpointEngine(blobs, meta, 3, nil), blobs, meta
}

func TestLoadReturnsNotFoundForFreshJob(t *testing.T) {
	engine, _, _ := newCheckpointEngine()
	_, _, found, err := engine.Load(context.Background(), "job-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCommitThenLoadRoundTrips(t *testing.T) {
	engine, _, _ := newCheckpointEngine()
	blob := CheckpointBlob{JobID: "job-1", RecordsGenerated: 5, TokensUsed: 100, Cost: 0.5}

	meta, err := engine.Commit(context.Background(), "job-1", blob, observed{})
	require.NoError(t, err)
	require.Equal(t, 1, meta.Version)
	require.Equal(t, 5, meta.RecordsGenerated)

	loaded, loadedMeta, found, err := engine.Load(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 5, loaded.RecordsGenerated)
	require.Equal(t, meta.Tag, loadedMeta.Tag)
}

func TestCommitSecondWriteAdvancesVersion(t *testing.T) {
	engine, _, _ := newCheckpointEngine()
	blob := CheckpointBlob{JobID: "job-1", RecordsGenerated: 5}
	meta1, err := engine.Commit(context.Background(), "job-1", blob, observed{})
	require.NoError(t, err)

	blob2 := CheckpointBlob{JobID: "job-1", RecordsGenerated: 10}
	meta2, err := engine.Commit(context.Background(), "job-1", blob2, observed{version: meta1.Version, tag: meta1.Tag})
	require.NoError(t, err)
	require.Equal(t, meta1.Version+1, meta2.Version)
	require.Equal(t, 10, meta2.RecordsGenerated)
}

func TestCommitWithStaleObservedReconcilesAndMerges(t *testing.T) {
	engine, _, _ := newCheckpointEngine()
	base := CheckpointBlob{JobID: "job-1", RecordsGenerated: 5, CompletedIndexes: map[int]struct{}{0: {}, 1: {}}}
	meta1, err := engine.Commit(context.Background(), "job-1", base, observed{})
	require.NoError(t, err)

	// A second writer commits from the same base, moving the winner ahead.
	winner := CheckpointBlob{JobID: "job-1", RecordsGenerated: 8, CompletedIndexes: map[int]struct{}{0: {}, 1: {}, 2: {}}}
	meta2, err := engine.Commit(context.Background(), "job-1", winner, observed{version: meta1.Version, tag: meta1.Tag})
	require.NoError(t, err)

	// A third writer, still holding the stale meta1 token, commits with its
	// own progress; the engine must reconcile against the real winner
	// (meta2) rather than fail outright, and the merge must not lose either
	// side's progress.
	loser := CheckpointBlob{JobID: "job-1", RecordsGenerated: 6, CompletedIndexes: map[int]struct{}{0: {}, 1: {}, 3: {}}}
	meta3, err := engine.Commit(context.Background(), "job-1", loser, observed{version: meta1.Version, tag: meta1.Tag})
	require.NoError(t, err)
	require.Equal(t, meta2.Version+1, meta3.Version)
	require.GreaterOrEqual(t, meta3.RecordsGenerated, 8)

	final, _, _, err := engine.Load(context.Background(), "job-1")
	require.NoError(t, err)
	require.Contains(t, final.CompletedIndexes, 0)
	require.Contains(t, final.CompletedIndexes, 2)
	require.Contains(t, final.CompletedIndexes, 3)
}

func TestCommitExhaustsRetriesAsConflict(t *testing.T) {
	blobs := store.NewMemBlobStore()
	meta := store.NewMemMetadataStore()
	engine := NewCheckpointEngine(blobs, meta, 0, nil)

	base := CheckpointBlob{JobID: "job-1", RecordsGenerated: 1}
	meta1, err := engine.Commit(context.Background(), "job-1", base, observed{})
	require.NoError(t, err)

	// Move the real state ahead so the next commit's observed token is stale.
	_, err = engine.Commit(context.Background(), "job-1", CheckpointBlob{JobID: "job-1", RecordsGenerated: 2}, observed{version: meta1.Version, tag: meta1.Tag})
	require.NoError(t, err)

	_, err = engine.Commit(context.Background(), "job-1", CheckpointBlob{JobID: "job-1", RecordsGenerated: 3}, observed{version: meta1.Version, tag: meta1.Tag})
	require.Error(t, err)
	require.Equal(t, KindConflict, KindOf(err))
}

func TestMaxMergeBlobsTakesElementwiseMaxAndUnionsIndexes(t *testing.T) {
	a := CheckpointBlob{
		RecordsGenerated: 5, RecordsRejected: 1, TokensUsed: 100, Cost: 1.0, LastBatchIndex: 2,
		CompletedIndexes: map[int]struct{}{0: {}, 1: {}},
		AcceptedRecords:  []Record{{Index: 0, Fields: map[string]interface{}{"v": "a"}}},
	}
	b := CheckpointBlob{
		RecordsGenerated: 3, RecordsRejected: 4, TokensUsed: 50, Cost: 2.0, LastBatchIndex: 5,
		CompletedIndexes: map[int]struct{}{1: {}, 2: {}},
		AcceptedRecords:  []Record{{Index: 1, Fields: map[string]interface{}{"v": "b"}}},
	}

	merged := maxMergeBlobs(a, b)
	require.Equal(t, 5, merged.RecordsGenerated)
	require.Equal(t, 4, merged.RecordsRejected)
	require.Equal(t, int64(100), merged.TokensUsed)
	require.Equal(t, 2.0, merged.Cost)
	require.Equal(t, 5, merged.LastBatchIndex)
	require.Len(t, merged.CompletedIndexes, 3)
	require.Len(t, merged.AcceptedRecords, 2)
}

func TestNewCheckpointEngineDefaultsRetriesWhenNegative(t *testing.T) {
	blobs := store.NewMemBlobStore()
	meta := store.NewMemMetadataStore()
	engine := NewCheckpointEngine(blobs, meta, -1, nil)
	require.Equal(t, 3, engine.retries)
}
