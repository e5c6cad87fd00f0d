// Package archive writes finished runs to a Lode dataset.
//
// Each run becomes one write of JSONL records partitioned by
// mode/day/run_id: one "event" record per progress event in emission
// order, followed by a single "run" record summarizing the outcome.
// The archive is an analytics feed. It is never read back to serve runs.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"

	"github.com/pithecene-io/namazing/types"
)

// DefaultDataset is the Lode dataset ID used when none is configured.
const DefaultDataset = "namazing"

// Record kinds.
const (
	RecordKindEvent = "event"
	RecordKindRun   = "run"
)

// ErrRunNotArchived is returned by Events when no records exist for a run.
var ErrRunNotArchived = errors.New("run not archived")

// DeriveDay computes the partition day from run creation time.
// Format: YYYY-MM-DD in UTC.
func DeriveDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Archive is a Lode-backed run archive.
type Archive struct {
	dataset lode.Dataset
}

// New creates an archive over the dataset id using factory for storage.
// Use lode.NewMemoryFactory() for testing.
func New(dataset string, factory lode.StoreFactory) (*Archive, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout("mode", "day", "run_id"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, fmt.Errorf("create dataset %s: %w", dataset, err)
	}
	return &Archive{dataset: ds}, nil
}

// NewFS creates an archive with filesystem storage rooted at root.
func NewFS(dataset, root string) (*Archive, error) {
	return New(dataset, lode.NewFSFactory(root))
}

// NewS3 creates an archive stored in bucket under prefix.
func NewS3(dataset string, client *s3.Client, bucket, prefix string) (*Archive, error) {
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	factory := func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: bucket,
			Prefix: prefix,
		})
	}
	return New(dataset, factory)
}

// WriteRun writes the run's events and summary as one batch.
func (a *Archive) WriteRun(ctx context.Context, run *types.Run) error {
	if run == nil {
		return errors.New("run is nil")
	}
	records, err := runRecords(run)
	if err != nil {
		return err
	}
	if _, err := a.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return fmt.Errorf("archive run %s: %w", run.ID, err)
	}
	return nil
}

// Events returns the archived events of runID in emission order.
func (a *Archive) Events(ctx context.Context, runID string) ([]types.Event, error) {
	snapshots, err := a.dataset.Snapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	// Latest first, so a re-archived run reads its newest copy.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotHasRun(snap, runID) {
			continue
		}
		data, err := a.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", snap.ID, err)
		}
		return decodeEvents(data, runID)
	}
	return nil, ErrRunNotArchived
}

// Close releases archive resources.
func (a *Archive) Close() error {
	// Dataset doesn't require explicit close in current Lode API
	return nil
}

// runRecords flattens a run into Lode records.
// Lode HiveLayout requires records as map[string]any.
func runRecords(run *types.Run) ([]any, error) {
	mode := string(run.Mode)
	day := DeriveDay(run.CreatedAt)

	records := make([]any, 0, len(run.Events)+1)
	for i, ev := range run.Events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %d of run %s: %w", i, run.ID, err)
		}
		records = append(records, map[string]any{
			"record_kind": RecordKindEvent,
			"run_id":      run.ID,
			"mode":        mode,
			"day":         day,
			"seq":         i + 1,
			"event_type":  string(ev.Type()),
			"agent":       ev.Agent,
			"event":       string(raw),
		})
	}

	summary := map[string]any{
		"record_kind": RecordKindRun,
		"run_id":      run.ID,
		"mode":        mode,
		"day":         day,
		"brief":       run.Brief,
		"status":      string(run.Status),
		"event_count": len(run.Events),
		"created_at":  run.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  run.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if run.Error != "" {
		summary["error"] = run.Error
	}
	if len(run.Result) > 0 {
		summary["result"] = string(run.Result)
	}
	return append(records, summary), nil
}

func decodeEvents(data []any, runID string) ([]types.Event, error) {
	events := []types.Event{}
	for _, item := range data {
		record, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if record["record_kind"] != RecordKindEvent || toString(record["run_id"]) != runID {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(toString(record["event"])), &ev); err != nil {
			return nil, fmt.Errorf("decode archived event of run %s: %w", runID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// snapshotHasRun checks if a snapshot's file paths carry the run_id partition.
func snapshotHasRun(snap *lode.Snapshot, runID string) bool {
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, "run_id", runID) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks if a Hive-partitioned path contains an exact
// key=value segment, so run_id=a does not match run_id=ab.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
