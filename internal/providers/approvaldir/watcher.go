// Package approvaldir accepts approval decisions dropped as JSON files into
// a directory, so that processes without access to the HTTP API can answer
// prompts.
//
// Layout:
//
//	<dir>/pending/<request-id>.json   prompts waiting for a decision
//	<dir>/<anything>.json             decision files written by humans
//	<dir>/<anything>.json.done        decisions that were applied
//	<dir>/<anything>.json.rejected    decisions the engine refused
package approvaldir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

const pendingDir = "pending"

// File is the content of a decision file.
type File struct {
	RequestID string `json:"request_id"`
	autonomy.Decision
}

// DeliverFunc applies a decision. It is usually Coordinator.Approve.
type DeliverFunc func(ctx context.Context, requestID string, d autonomy.Decision) error

// Watcher applies decision files as they appear.
type Watcher struct {
	dir     string
	deliver DeliverFunc
	logger  *zap.Logger
	watcher *fsnotify.Watcher
}

// New creates the directory layout and a watcher over it.
func New(dir string, deliver DeliverFunc, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if deliver == nil {
		return nil, errors.New("deliver function is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, pendingDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{dir: dir, deliver: deliver, logger: logger.Named("approvaldir"), watcher: fw}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Run processes files already present, then every file created until ctx
// is done. The watcher is closed on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && isDecision(event.Name) {
				w.process(ctx, event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("listing inbox failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() && isDecision(e.Name()) {
			w.process(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
}

func isDecision(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

func (w *Watcher) process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Already handled by an earlier event for the same file.
		return
	}
	log := w.logger.With(zap.String("file", filepath.Base(path)))
	if err != nil {
		log.Warn("reading decision failed", zap.Error(err))
		return
	}

	if len(data) == 0 {
		// Created but not yet written. The write event brings it back.
		return
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil || f.RequestID == "" {
		if err == nil {
			err = errors.New("request_id is required")
		}
		log.Warn("invalid decision file", zap.Error(err))
		w.finish(path, ".rejected")
		return
	}

	if err := w.deliver(ctx, f.RequestID, f.Decision); err != nil {
		log.Warn("decision refused", zap.String("request_id", f.RequestID), zap.Error(err))
		w.finish(path, ".rejected")
		return
	}
	log.Info("decision applied", zap.String("request_id", f.RequestID), zap.String("action", string(f.Action)))
	w.finish(path, ".done")
	_ = os.Remove(filepath.Join(w.dir, pendingDir, f.RequestID+".json"))
}

func (w *Watcher) finish(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		w.logger.Warn("moving decision file failed", zap.String("file", path), zap.Error(err))
	}
}

// Publish writes p to the pending directory. It fits autonomy.NewInbox.
func (w *Watcher) Publish(p autonomy.Prompt) {
	if err := writeAtomic(filepath.Join(w.dir, pendingDir, p.Request.ID+".json"), p); err != nil {
		w.logger.Warn("publishing prompt failed", zap.String("request_id", p.Request.ID), zap.Error(err))
	}
}

// Submit writes a decision file into dir. The file appears atomically.
func Submit(dir, requestID string, d autonomy.Decision) (string, error) {
	if requestID == "" {
		return "", errors.New("request id is required")
	}
	name := fmt.Sprintf("%s-%d.json", requestID, time.Now().UnixNano())
	path := filepath.Join(dir, name)
	return path, writeAtomic(path, File{RequestID: requestID, Decision: d})
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	// Dot-prefixed temp names are ignored by the watcher.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
