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

package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v2"
	"github.com/rs/zerolog"

	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
)

const (
	// DefaultChunkBytes is the expected size of every chunk but the last.
	DefaultChunkBytes = 5 * 1024 * 1024
	// DefaultSessionTTL is how long an idle session survives.
	DefaultSessionTTL = 24 * time.Hour
)

// session accumulates the chunks of one resumable upload on disk.
type session struct {
	id          string
	name        string
	folderID    *string
	userID      string
	contentType string
	totalSize   int64
	dir         string

	mu       sync.Mutex
	received map[int]int64
	done     bool
}

func (s *session) chunkPath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk-%06d", index))
}

// ChunkManager tracks resumable upload sessions. Sessions expire on a
// TTL; expiry removes the session's chunk directory. Completion hands
// the assembled bytes to the pipeline's streaming tier.
type ChunkManager struct {
	pipeline   *Pipeline
	tmpDir     string
	chunkBytes int64
	sessions   *ttlcache.Cache
	log        zerolog.Logger
}

// NewChunkManager builds a session registry rooted at tmpDir. Zero ttl
// and chunkBytes select the defaults.
func NewChunkManager(pipeline *Pipeline, tmpDir string, ttl time.Duration, chunkBytes int64, log zerolog.Logger) (*ChunkManager, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return nil, errtypes.InternalError("creating chunk dir: " + err.Error())
	}

	m := &ChunkManager{pipeline: pipeline, tmpDir: tmpDir, chunkBytes: chunkBytes, log: log}
	cache := ttlcache.NewCache()
	_ = cache.SetTTL(ttl)
	cache.SetExpirationReasonCallback(func(key string, reason ttlcache.EvictionReason, value interface{}) {
		if reason != ttlcache.Expired {
			return
		}
		if s, ok := value.(*session); ok {
			m.log.Info().Str("upload_id", s.id).Msg("chunked upload session expired")
			if err := os.RemoveAll(s.dir); err != nil {
				m.log.Error().Err(err).Str("upload_id", s.id).Msg("removing expired chunk dir")
			}
		}
	})
	m.sessions = cache
	return m, nil
}

// InitUpload opens a session and returns its upload id.
func (m *ChunkManager) InitUpload(ctx context.Context, req Request) (string, error) {
	if err := storage.ValidateName(req.Name); err != nil {
		return "", err
	}

	id := uuid.New().String()
	dir := filepath.Join(m.tmpDir, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errtypes.InternalError("creating session dir: " + err.Error())
	}
	s := &session{
		id:          id,
		name:        req.Name,
		folderID:    req.FolderID,
		userID:      req.UserID,
		contentType: req.ContentType,
		totalSize:   req.Size,
		dir:         dir,
		received:    map[int]int64{},
	}
	if err := m.sessions.Set(id, s); err != nil {
		return "", errtypes.InternalError("registering session: " + err.Error())
	}
	return id, nil
}

// PutChunk stores one chunk. Indexes start at zero and may arrive in any
// order; re-uploading a chunk already received is a no-op. A non-empty
// md5sum is verified against the payload.
func (m *ChunkManager) PutChunk(ctx context.Context, uploadID string, index int, data []byte, md5sum string) error {
	s, err := m.get(uploadID)
	if err != nil {
		return err
	}
	if index < 0 {
		return errtypes.BadRequest("chunk index must not be negative")
	}
	if int64(len(data)) > m.chunkBytes {
		return errtypes.BadRequest(fmt.Sprintf("chunk exceeds %d bytes", m.chunkBytes))
	}
	if md5sum != "" {
		sum := md5.Sum(data)
		if hex.EncodeToString(sum[:]) != md5sum {
			return errtypes.BadRequest("chunk checksum mismatch")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errtypes.BadRequest("upload session already completed")
	}
	if _, ok := s.received[index]; ok {
		return nil
	}
	if err := renameio.WriteFile(s.chunkPath(index), data, 0600, renameio.WithTempDir(s.dir)); err != nil {
		return errtypes.InternalError("writing chunk: " + err.Error())
	}
	s.received[index] = int64(len(data))
	return nil
}

// Complete assembles the chunks in index order and commits the file
// through the streaming tier. The chunk set must be contiguous from
// zero.
func (m *ChunkManager) Complete(ctx context.Context, uploadID string) (*Result, error) {
	s, err := m.get(uploadID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil, errtypes.BadRequest("upload session already completed")
	}
	indexes := make([]int, 0, len(s.received))
	for i := range s.received {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for want, got := range indexes {
		if want != got {
			s.mu.Unlock()
			return nil, errtypes.BadRequest(fmt.Sprintf("missing chunk %d", want))
		}
	}
	s.done = true
	s.mu.Unlock()

	if len(indexes) == 0 {
		return nil, errtypes.BadRequest("upload session has no chunks")
	}

	readers := make([]io.Reader, 0, len(indexes))
	files := make([]*os.File, 0, len(indexes))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, i := range indexes {
		f, err := os.Open(s.chunkPath(i))
		if err != nil {
			return nil, errtypes.InternalError("opening chunk: " + err.Error())
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	res, err := m.pipeline.streaming(ctx, Request{
		Name:        s.name,
		FolderID:    s.folderID,
		UserID:      s.userID,
		ContentType: s.contentType,
		Size:        s.totalSize,
		Source:      io.MultiReader(readers...),
	})
	if err != nil {
		// leave the session for a retry of Complete
		s.mu.Lock()
		s.done = false
		s.mu.Unlock()
		return nil, err
	}

	_ = m.sessions.Remove(uploadID)
	if err := os.RemoveAll(s.dir); err != nil {
		m.log.Error().Err(err).Str("upload_id", uploadID).Msg("removing completed chunk dir")
	}
	return res, nil
}

// Cancel drops the session and its partial data.
func (m *ChunkManager) Cancel(ctx context.Context, uploadID string) error {
	s, err := m.get(uploadID)
	if err != nil {
		return err
	}
	_ = m.sessions.Remove(uploadID)
	if err := os.RemoveAll(s.dir); err != nil {
		return errtypes.InternalError("removing chunk dir: " + err.Error())
	}
	return nil
}

// Close releases the session registry without touching partial data on
// disk.
func (m *ChunkManager) Close() {
	m.sessions.Close()
}

func (m *ChunkManager) get(uploadID string) (*session, error) {
	v, err := m.sessions.Get(uploadID)
	if err != nil {
		return nil, errtypes.NotFound("upload session " + uploadID)
	}
	s, ok := v.(*session)
	if !ok {
		return nil, errtypes.InternalError("corrupt upload session " + uploadID)
	}
	return s, nil
}
