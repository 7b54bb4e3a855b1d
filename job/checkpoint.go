package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hatmanstack/plot-palette/job/store"
)

// CheckpointEngine provides linearizable, optimistic-concurrency persistence
// of worker state: a blob store keyed by an opaque content tag, coupled
// with a metadata store keyed by an integer version. At most one writer's
// attempt at a given version can win; a losing writer merges its counters
// into the winner's state and retries.
type CheckpointEngine struct {
	blobs   store.BlobStore
	meta    store.MetadataStore
	retries int
	metrics *PrometheusMetrics
}

// NewCheckpointEngine builds a CheckpointEngine over the given blob and
// metadata stores. retries bounds the conflict-retry loop; a negative value
// selects the default of 3 per the dual-layer protocol, and 0 returns the
// first conflict as checkpoint-contention without retrying.
func NewCheckpointEngine(blobs store.BlobStore, meta store.MetadataStore, retries int, metrics *PrometheusMetrics) *CheckpointEngine {
	if retries < 0 {
		retries = 3
	}
	return &CheckpointEngine{blobs: blobs, meta: meta, retries: retries, metrics: metrics}
}

func blobKey(jobID string) string { return "checkpoint-blob/" + jobID }
func metaPartition() string       { return "checkpoint-meta" }

// observed is the last metadata this engine's caller saw for a job; it is
// the concurrency token passed into Commit.
type observed struct {
	version int
	tag     string
}

// Load implements the read procedure: read metadata, read the blob at its
// tag, and reconcile — if the blob's embedded records_generated disagrees
// with metadata's, the higher-progress side's counters win. Load does not
// report whether the two sides disagreed, and no event is emitted for it.
func (e *CheckpointEngine) Load(ctx context.Context, jobID string) (CheckpointBlob, CheckpointMeta, bool, error) {
	item, err := e.meta.Get(ctx, metaPartition(), jobID)
	if err == store.ErrNotFound {
		return CheckpointBlob{}, CheckpointMeta{}, false, nil
	}
	if err != nil {
		return CheckpointBlob{}, CheckpointMeta{}, false, NewError(KindTransient, ReasonStoreUnavailable, err)
	}

	metaRec := decodeMeta(item)

	raw, _, err := e.blobs.Get(ctx, blobKey(jobID))
	if err != nil {
		return CheckpointBlob{}, CheckpointMeta{}, false, NewError(KindPermanentJob, ReasonCorruptBlob, err)
	}

	var blob CheckpointBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return CheckpointBlob{}, CheckpointMeta{}, false, NewError(KindPermanentJob, ReasonCorruptBlob, err)
	}

	if blob.RecordsGenerated != metaRec.RecordsGenerated {
		if metaRec.RecordsGenerated > blob.RecordsGenerated {
			blob.RecordsGenerated = metaRec.RecordsGenerated
			blob.TokensUsed = metaRec.TokensUsed
			blob.Cost = metaRec.Cost
		}
	}

	return blob, metaRec, true, nil
}

// Commit implements the write procedure of the dual-layer protocol: write
// the blob conditional on the previous tag, then write metadata conditional
// on the previous version. On either conflict, re-read the winner, merge
// counters by element-wise maximum and union the completed-record
// index set, and retry up to e.retries times before raising
// checkpoint-contention.
func (e *CheckpointEngine) Commit(ctx context.Context, jobID string, blob CheckpointBlob, prev observed) (CheckpointMeta, error) {
	start := time.Now()
	outcome := "committed"
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordCheckpointLatency(jobID, outcome, time.Since(start))
		}
	}()

	for attempt := 0; attempt <= e.retries; attempt++ {
		raw, err := json.Marshal(blob)
		if err != nil {
			outcome = "failed"
			return CheckpointMeta{}, NewError(KindPermanentJob, ReasonCorruptBlob, err)
		}

		newTag, err := e.blobs.Put(ctx, blobKey(jobID), raw, prev.tag)
		if err == store.ErrConditionFailed {
			if attempt == e.retries {
				outcome = "conflict"
				if e.metrics != nil {
					e.metrics.IncrementCheckpointConflicts(jobID)
				}
				return CheckpointMeta{}, NewError(KindConflict, ReasonCheckpointContention, err)
			}
			blob, prev, err = e.reconcile(ctx, jobID, blob)
			if err != nil {
				outcome = "failed"
				return CheckpointMeta{}, err
			}
			if e.metrics != nil {
				e.metrics.IncrementCheckpointConflicts(jobID)
			}
			continue
		}
		if err != nil {
			outcome = "failed"
			return CheckpointMeta{}, NewError(KindTransient, ReasonStoreUnavailable, err)
		}

		item := encodeMeta(jobID, prev.version+1, newTag, blob)
		putErr := e.meta.ConditionalPut(ctx, item, prev.version)
		if putErr == nil {
			return decodeMeta(item), nil
		}
		if putErr != store.ErrConditionFailed {
			outcome = "failed"
			return CheckpointMeta{}, NewError(KindTransient, ReasonStoreUnavailable, putErr)
		}

		// Metadata write lost the race; the blob we just wrote is now
		// orphaned (its tag is unreferenced by any metadata record) and
		// will be overwritten by the next successful write cycle.
		if attempt == e.retries {
			outcome = "conflict"
			if e.metrics != nil {
				e.metrics.IncrementCheckpointConflicts(jobID)
			}
			return CheckpointMeta{}, NewError(KindConflict, ReasonCheckpointContention, putErr)
		}
		blob, prev, err = e.reconcile(ctx, jobID, blob)
		if err != nil {
			outcome = "failed"
			return CheckpointMeta{}, err
		}
		if e.metrics != nil {
			e.metrics.IncrementCheckpointConflicts(jobID)
		}
	}

	outcome = "conflict"
	return CheckpointMeta{}, NewError(KindConflict, ReasonCheckpointContention, fmt.Errorf("exhausted %d retries", e.retries))
}

// reconcile re-reads the current winner's metadata and blob, then merges
// the loser's state (blob) into it by element-wise counter maximum and
// union of completed-record indexes, returning the merged state and the
// winner's observed version/tag to retry from.
func (e *CheckpointEngine) reconcile(ctx context.Context, jobID string, loser CheckpointBlob) (CheckpointBlob, observed, error) {
	item, err := e.meta.Get(ctx, metaPartition(), jobID)
	if err != nil {
		return CheckpointBlob{}, observed{}, NewError(KindTransient, ReasonStoreUnavailable, err)
	}
	curMeta := decodeMeta(item)

	raw, tag, err := e.blobs.Get(ctx, blobKey(jobID))
	if err != nil {
		return CheckpointBlob{}, observed{}, NewError(KindPermanentJob, ReasonCorruptBlob, err)
	}
	var cur CheckpointBlob
	if err := json.Unmarshal(raw, &cur); err != nil {
		return CheckpointBlob{}, observed{}, NewError(KindPermanentJob, ReasonCorruptBlob, err)
	}

	merged := maxMergeBlobs(cur, loser)
	return merged, observed{version: curMeta.Version, tag: tag}, nil
}

// maxMergeBlobs guarantees no loss of progress across a conflict retry: the
// merged state reflects at least the max of both attempts' counters, and the
// union of completed-record indexes so neither side's committed records
// are forgotten.
func maxMergeBlobs(a, b CheckpointBlob) CheckpointBlob {
	merged := a
	if b.RecordsGenerated > merged.RecordsGenerated {
		merged.RecordsGenerated = b.RecordsGenerated
	}
	if b.RecordsRejected > merged.RecordsRejected {
		merged.RecordsRejected = b.RecordsRejected
	}
	if b.TokensUsed > merged.TokensUsed {
		merged.TokensUsed = b.TokensUsed
	}
	if b.Cost > merged.Cost {
		merged.Cost = b.Cost
	}
	if b.LastBatchIndex > merged.LastBatchIndex {
		merged.LastBatchIndex = b.LastBatchIndex
	}

	indexes := make(map[int]struct{}, len(a.CompletedIndexes)+len(b.CompletedIndexes))
	for idx := range a.CompletedIndexes {
		indexes[idx] = struct{}{}
	}
	for idx := range b.CompletedIndexes {
		indexes[idx] = struct{}{}
	}
	merged.CompletedIndexes = indexes
	merged.Completed = a.Completed || b.Completed

	byIndex := make(map[int]Record, len(a.AcceptedRecords)+len(b.AcceptedRecords))
	for _, r := range a.AcceptedRecords {
		byIndex[r.Index] = r
	}
	for _, r := range b.AcceptedRecords {
		byIndex[r.Index] = r
	}
	merged.AcceptedRecords = make([]Record, 0, len(byIndex))
	for _, r := range byIndex {
		merged.AcceptedRecords = append(merged.AcceptedRecords, r)
	}
	return merged
}

type metaPayload struct {
	Tag              string  `json:"tag"`
	RecordsGenerated int     `json:"records_generated"`
	TokensUsed       int64   `json:"tokens_used"`
	Cost             float64 `json:"cost"`
}

func encodeMeta(jobID string, version int, tag string, blob CheckpointBlob) store.MetadataItem {
	payload, _ := json.Marshal(metaPayload{
		Tag:              tag,
		RecordsGenerated: blob.RecordsGenerated,
		TokensUsed:       blob.TokensUsed,
		Cost:             blob.Cost,
	})
	return store.MetadataItem{
		PartitionKey: metaPartition(),
		SortKey:      jobID,
		Version:      version,
		Payload:      payload,
	}
}

func decodeMeta(item store.MetadataItem) CheckpointMeta {
	var p metaPayload
	_ = json.Unmarshal(item.Payload, &p)
	return CheckpointMeta{
		JobID:            item.SortKey,
		Version:          item.Version,
		Tag:              p.Tag,
		RecordsGenerated: p.RecordsGenerated,
		TokensUsed:       p.TokensUsed,
		Cost:             p.Cost,
		UpdatedAt:        item.UpdatedAt,
	}
}
