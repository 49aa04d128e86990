// Copyright 2024 The Fabric Device Manager Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bitstream

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StoreUpdate contains bitstreams added to and removed from storage.
type StoreUpdate struct {
	Added   []Entry
	Removed []Entry
}

// Watcher follows a bitstream storage directory and reports inventory
// changes. Filesystem events only trigger a rescan; the scan result diff
// is what gets reported, so partial writes and renames collapse into one
// coherent update.
type Watcher struct {
	store   *Store
	fsw     *fsnotify.Watcher
	known   map[string]Entry
	updates chan<- StoreUpdate
}

// NewWatcher creates a Watcher for the given store posting updates to updates.
func NewWatcher(store *Store, updates chan<- StoreUpdate) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create storage watcher")
	}
	return &Watcher{
		store:   store,
		fsw:     fsw,
		known:   make(map[string]Entry),
		updates: updates,
	}, nil
}

// Run scans storage once, reports the initial inventory and then keeps
// reporting diffs until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	if err := os.MkdirAll(w.store.Root(), 0755); err != nil {
		return errors.Wrap(err, "unable to create storage root")
	}
	if err := w.fsw.Add(w.store.Root()); err != nil {
		return errors.Wrapf(err, "failed to watch %s", w.store.Root())
	}
	if err := w.rescan(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.fsw.Events:
			klog.V(4).Infof("storage event: %s", ev)
			if ev.Op&fsnotify.Create != 0 {
				// New fabric id folders need their own watch.
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := w.fsw.Add(ev.Name); err != nil {
						klog.Warningf("failed to watch %s: %v", ev.Name, err)
					}
				}
			}
			if err := w.rescan(); err != nil {
				return err
			}
		case err := <-w.fsw.Errors:
			return errors.WithStack(err)
		}
	}
}

func (w *Watcher) rescan() error {
	entries, err := w.store.List()
	if err != nil {
		return err
	}

	seen := make(map[string]Entry, len(entries))
	update := StoreUpdate{}

	for _, entry := range entries {
		seen[entry.Path] = entry
		if _, ok := w.known[entry.Path]; !ok {
			update.Added = append(update.Added, entry)
		}
		// Fabric folders appear after the initial watch was set up.
		dir := filepath.Dir(entry.Path)
		if dir != w.store.Root() {
			_ = w.fsw.Add(dir)
		}
	}
	for path, entry := range w.known {
		if _, ok := seen[path]; !ok {
			update.Removed = append(update.Removed, entry)
		}
	}
	w.known = seen

	if len(update.Added) > 0 || len(update.Removed) > 0 {
		w.updates <- update
	}
	return nil
}
