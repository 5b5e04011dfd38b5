// Package archive writes a task and everything it owns to a zip before deletion.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"labelflow/internal/store"
)

// Archiver snapshots tasks into <prefix>/task_backup/<task>.zip.
type Archiver struct {
	store    store.Store
	uploader Uploader
	prefix   string
}

func NewArchiver(st store.Store, uploader Uploader, prefix string) *Archiver {
	return &Archiver{store: st, uploader: uploader, prefix: prefix}
}

// Key returns the object key of a task's backup.
func (a *Archiver) Key(taskID string) string {
	return path.Join(a.prefix, "task_backup", taskID+".zip")
}

// Backup uploads the task, its flows, flow data, records and data, returning the location.
func (a *Archiver) Backup(ctx context.Context, taskID string) (string, error) {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	flows, err := a.store.ListFlows(ctx, taskID)
	if err != nil {
		return "", err
	}
	flowData, err := a.store.ListFlowData(ctx, taskID)
	if err != nil {
		return "", err
	}
	records, err := a.store.ListRecords(ctx, taskID)
	if err != nil {
		return "", err
	}
	data, err := a.store.ListData(ctx, taskID)
	if err != nil {
		return "", err
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	if err := writeJSON(zw, "task.json", task); err != nil {
		return "", err
	}
	if err := writeJSONL(zw, "flow.jsonl", flows); err != nil {
		return "", err
	}
	if err := writeJSONL(zw, "flow_data.jsonl", flowData); err != nil {
		return "", err
	}
	if err := writeJSONL(zw, "record.jsonl", records); err != nil {
		return "", err
	}
	if err := writeJSONL(zw, "data.jsonl", data); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close zip: %w", err)
	}

	loc, err := a.uploader.Upload(ctx, a.Key(taskID), buf.Bytes(), "application/zip")
	if err != nil {
		return "", fmt.Errorf("upload backup: %w", err)
	}
	return loc, nil
}

func writeJSON(zw *zip.Writer, name string, v any) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return nil
}

func writeJSONL[T any](zw *zip.Writer, name string, rows []T) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
	}
	return nil
}
