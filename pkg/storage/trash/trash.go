// Copyright 2018-2024 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package trash implements the soft-delete lifecycle: listing the trash
// as the user sees it, restoring items, emptying, and the periodic sweep
// that expires items past their retention window.
package trash

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/oxicloud/oxicloud/pkg/appctx"
	"github.com/oxicloud/oxicloud/pkg/storage"
)

const (
	// DefaultRetention is how long items stay in the trash.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultSweepInterval is how often expired items are purged.
	DefaultSweepInterval = time.Hour
)

// Manager drives the trash lifecycle on top of the metadata store. The
// heavy lifting (cascades, ref counting) happens in the database; the
// manager adds retention policy and the sweeper.
type Manager struct {
	meta      storage.MetadataStore
	retention time.Duration
	interval  time.Duration

	stop chan struct{}
	done chan struct{}
}

// New builds a manager. Zero durations select the defaults.
func New(meta storage.MetadataStore, retention, sweepInterval time.Duration) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Manager{
		meta:      meta,
		retention: retention,
		interval:  sweepInterval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// TrashFile soft-deletes a file.
func (m *Manager) TrashFile(ctx context.Context, fileID string) error {
	return m.meta.MoveFileToTrash(ctx, fileID)
}

// TrashFolder soft-deletes a folder and its subtree atomically.
func (m *Manager) TrashFolder(ctx context.Context, folderID string) error {
	return m.meta.MoveFolderToTrash(ctx, folderID)
}

// List returns the user's trashed items with their scheduled deletion
// dates.
func (m *Manager) List(ctx context.Context, userID string) ([]*storage.TrashedItem, error) {
	items, err := m.meta.ListTrash(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		item.DeletionDate = item.TrashedAt.Add(m.retention)
	}
	return items, nil
}

// Restore puts a trashed item back where it came from. Restoring into a
// still-trashed parent fails with errtypes.PartiallyTrashed.
func (m *Manager) Restore(ctx context.Context, itemID string, itemType storage.ItemType) error {
	if itemType == storage.ItemTypeFolder {
		return m.meta.RestoreFolder(ctx, itemID)
	}
	return m.meta.RestoreFile(ctx, itemID)
}

// Delete permanently removes a single trashed item, skipping the
// retention window.
func (m *Manager) Delete(ctx context.Context, itemID string, itemType storage.ItemType) error {
	if itemType == storage.ItemTypeFolder {
		return m.meta.DeleteFolder(ctx, itemID)
	}
	return m.meta.DeleteFile(ctx, itemID)
}

// Empty permanently removes every trashed item of the user, regardless
// of age.
func (m *Manager) Empty(ctx context.Context, userID string) error {
	items, err := m.meta.ListTrash(ctx, userID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := m.Delete(ctx, item.ItemID, item.ItemType); err != nil {
			return errors.Wrapf(err, "emptying trash item %s", item.ItemID)
		}
	}
	return nil
}

// SweepExpired purges every item trashed longer ago than the retention
// window and returns the number of rows removed.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-m.retention)
	return m.meta.DeleteExpiredBulk(ctx, cutoff)
}

// Start launches the periodic sweeper. The context carries the sweeper's
// logger and cancels in-flight sweeps on shutdown.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop shuts the sweeper down and waits for it.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	log := appctx.GetLogger(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.SweepExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("trash sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("removed", n).Msg("trash sweep purged expired items")
			}
		}
	}
}
