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

package upload_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
	"github.com/oxicloud/oxicloud/pkg/storage/blobstore"
	"github.com/oxicloud/oxicloud/pkg/storage/cache/writebehind"
	"github.com/oxicloud/oxicloud/pkg/storage/metadata"
	"github.com/oxicloud/oxicloud/pkg/storage/upload"
)

var _ = Describe("Pipeline", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		meta     *metadata.Store
		blobs    *blobstore.Blobstore
		pending  *writebehind.Cache
		pipeline *upload.Pipeline
		tmpDir   string

		user = "einstein"
	)

	req := func(name string, data []byte) upload.Request {
		return upload.Request{
			Name:   name,
			UserID: user,
			Size:   int64(len(data)),
			Source: bytes.NewReader(data),
		}
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		base := GinkgoT().TempDir()
		tmpDir = filepath.Join(base, "tmp")

		var err error
		meta, err = metadata.NewSQLite(filepath.Join(base, "meta.db"))
		Expect(err).ToNot(HaveOccurred())
		blobs, err = blobstore.New(filepath.Join(base, "blobs"), tmpDir, meta)
		Expect(err).ToNot(HaveOccurred())
		pending = writebehind.New(ctx, blobs, meta, writebehind.Options{FlushInterval: 10 * time.Millisecond})
		pipeline = upload.NewPipeline(blobs, meta, pending, nil, true)
	})

	AfterEach(func() {
		Expect(pending.Shutdown(ctx)).To(Succeed())
		cancel()
		Expect(meta.Close()).To(Succeed())
	})

	Describe("tier selection", func() {
		It("stages small uploads in the write-behind tier", func() {
			data := []byte("tiny")
			res, err := pipeline.Upload(ctx, req("small.txt", data))
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Tier).To(Equal(storage.TierWriteBehind))
			Expect(res.File.Size).To(Equal(int64(len(data))))

			// the ack precedes durability; the row carries the sentinel
			f, err := meta.GetFile(ctx, res.File.ID)
			Expect(err).ToNot(HaveOccurred())
			if f.BlobHash != storage.SentinelHash {
				// flusher already ran; that is fine too
				Expect(f.BlobHash).To(Equal(blobstore.HashBytes(data)))
			}

			Eventually(func() string {
				f, err := meta.GetFile(ctx, res.File.ID)
				Expect(err).ToNot(HaveOccurred())
				return f.BlobHash
			}).WithTimeout(2 * time.Second).Should(Equal(blobstore.HashBytes(data)))
		})

		It("buffers a payload of exactly the write-behind threshold", func() {
			data := bytes.Repeat([]byte("x"), upload.WriteBehindThreshold)
			res, err := pipeline.Upload(ctx, req("medium.bin", data))
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Tier).To(Equal(storage.TierBuffered))

			f, err := meta.GetFile(ctx, res.File.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(f.BlobHash).To(Equal(blobstore.HashBytes(data)))
		})

		It("streams payloads of a megabyte and up", func() {
			data := bytes.Repeat([]byte("y"), upload.BufferedThreshold)
			res, err := pipeline.Upload(ctx, req("large.bin", data))
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Tier).To(Equal(storage.TierStreaming))

			stored, err := blobs.ReadBytes(ctx, blobstore.HashBytes(data))
			Expect(err).ToNot(HaveOccurred())
			Expect(stored).To(HaveLen(len(data)))
		})

		It("streams when the size is unknown", func() {
			data := []byte("unknown length")
			r := req("unknown.bin", data)
			r.Size = -1
			res, err := pipeline.Upload(ctx, r)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Tier).To(Equal(storage.TierStreaming))
		})

		It("buffers small uploads when write-behind is disabled", func() {
			p := upload.NewPipeline(blobs, meta, nil, nil, false)
			res, err := p.Upload(ctx, req("small.txt", []byte("tiny")))
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Tier).To(Equal(storage.TierBuffered))
		})

		It("falls back to writing through when the cache is saturated", func() {
			Expect(pending.Shutdown(ctx)).To(Succeed())
			tiny := writebehind.New(ctx, blobs, meta, writebehind.Options{
				MaxBytes:      8,
				FlushInterval: time.Hour,
			})
			p := upload.NewPipeline(blobs, meta, tiny, nil, true)

			data := []byte("does not fit in eight bytes")
			res, err := p.Upload(ctx, req("small.txt", data))
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Tier).To(Equal(storage.TierBuffered))

			f, err := meta.GetFile(ctx, res.File.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(f.BlobHash).To(Equal(blobstore.HashBytes(data)))

			Expect(tiny.Shutdown(ctx)).To(Succeed())
			pending = writebehind.New(ctx, blobs, meta, writebehind.Options{FlushInterval: 10 * time.Millisecond})
		})
	})

	It("reports deduplication on repeated content", func() {
		data := bytes.Repeat([]byte("z"), upload.WriteBehindThreshold)
		first, err := pipeline.Upload(ctx, req("one.bin", data))
		Expect(err).ToNot(HaveOccurred())
		Expect(first.Deduplicated).To(BeFalse())

		second, err := pipeline.Upload(ctx, req("two.bin", data))
		Expect(err).ToNot(HaveOccurred())
		Expect(second.Deduplicated).To(BeTrue())
	})

	It("reports deduplication for a repeated small upload", func() {
		data := []byte("tiny but repeated")
		first, err := pipeline.Upload(ctx, req("one.txt", data))
		Expect(err).ToNot(HaveOccurred())
		Expect(first.Tier).To(Equal(storage.TierWriteBehind))
		Expect(first.Deduplicated).To(BeFalse())

		// dedup is checked against the blob directory, so the first
		// upload has to be flushed before the second can see it
		Eventually(func() string {
			f, err := meta.GetFile(ctx, first.File.ID)
			Expect(err).ToNot(HaveOccurred())
			return f.BlobHash
		}).WithTimeout(2 * time.Second).Should(Equal(blobstore.HashBytes(data)))

		second, err := pipeline.Upload(ctx, req("two.txt", data))
		Expect(err).ToNot(HaveOccurred())
		Expect(second.Tier).To(Equal(storage.TierWriteBehind))
		Expect(second.Deduplicated).To(BeTrue())
	})

	It("fills in the response identity", func() {
		folder, err := meta.CreateFolder(ctx, "docs", nil, user)
		Expect(err).ToNot(HaveOccurred())

		r := req("notes.txt", bytes.Repeat([]byte("n"), upload.WriteBehindThreshold))
		r.FolderID = &folder.ID
		res, err := pipeline.Upload(ctx, r)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.File.Path).To(Equal("docs/notes.txt"))
		Expect(res.File.ETag).ToNot(BeEmpty())
		Expect(res.File.MimeType).ToNot(BeEmpty())
	})

	It("rejects invalid names and nil sources", func() {
		_, err := pipeline.Upload(ctx, req("../evil", nil))
		Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))

		_, err = pipeline.Upload(ctx, upload.Request{Name: "ok.txt", UserID: user, Size: 1})
		Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))
	})

	Describe("chunked sessions", func() {
		var manager *upload.ChunkManager

		BeforeEach(func() {
			var err error
			manager, err = upload.NewChunkManager(pipeline, filepath.Join(tmpDir, "chunks"), time.Hour, 0, zerolog.Nop())
			Expect(err).ToNot(HaveOccurred())
		})

		AfterEach(func() {
			manager.Close()
		})

		It("assembles chunks arriving out of order", func() {
			id, err := manager.InitUpload(ctx, upload.Request{Name: "big.bin", UserID: user, Size: 6})
			Expect(err).ToNot(HaveOccurred())

			Expect(manager.PutChunk(ctx, id, 1, []byte("def"), "")).To(Succeed())
			Expect(manager.PutChunk(ctx, id, 0, []byte("abc"), "")).To(Succeed())

			res, err := manager.Complete(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Tier).To(Equal(storage.TierStreaming))

			stored, err := blobs.ReadBytes(ctx, blobstore.HashBytes([]byte("abcdef")))
			Expect(err).ToNot(HaveOccurred())
			Expect(stored).To(Equal([]byte("abcdef")))
		})

		It("treats a re-uploaded chunk as a no-op", func() {
			id, err := manager.InitUpload(ctx, upload.Request{Name: "big.bin", UserID: user})
			Expect(err).ToNot(HaveOccurred())

			Expect(manager.PutChunk(ctx, id, 0, []byte("abc"), "")).To(Succeed())
			Expect(manager.PutChunk(ctx, id, 0, []byte("different"), "")).To(Succeed())

			res, err := manager.Complete(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.File.Size).To(Equal(int64(3)))
		})

		It("rejects chunks above the configured size", func() {
			small, err := upload.NewChunkManager(pipeline, filepath.Join(tmpDir, "small-chunks"), time.Hour, 4, zerolog.Nop())
			Expect(err).ToNot(HaveOccurred())
			defer small.Close()

			id, err := small.InitUpload(ctx, upload.Request{Name: "big.bin", UserID: user})
			Expect(err).ToNot(HaveOccurred())

			Expect(small.PutChunk(ctx, id, 0, []byte("1234"), "")).To(Succeed())
			err = small.PutChunk(ctx, id, 1, []byte("12345"), "")
			Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))
		})

		It("verifies chunk checksums when given", func() {
			id, err := manager.InitUpload(ctx, upload.Request{Name: "big.bin", UserID: user})
			Expect(err).ToNot(HaveOccurred())

			sum := md5.Sum([]byte("abc"))
			Expect(manager.PutChunk(ctx, id, 0, []byte("abc"), hex.EncodeToString(sum[:]))).To(Succeed())

			err = manager.PutChunk(ctx, id, 1, []byte("def"), "00000000000000000000000000000000")
			Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))
		})

		It("refuses to complete with a gap in the chunk set", func() {
			id, err := manager.InitUpload(ctx, upload.Request{Name: "big.bin", UserID: user})
			Expect(err).ToNot(HaveOccurred())

			Expect(manager.PutChunk(ctx, id, 0, []byte("abc"), "")).To(Succeed())
			Expect(manager.PutChunk(ctx, id, 2, []byte("ghi"), "")).To(Succeed())

			_, err = manager.Complete(ctx, id)
			Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))
		})

		It("drops partial data on cancel", func() {
			id, err := manager.InitUpload(ctx, upload.Request{Name: "big.bin", UserID: user})
			Expect(err).ToNot(HaveOccurred())
			Expect(manager.PutChunk(ctx, id, 0, []byte("abc"), "")).To(Succeed())

			Expect(manager.Cancel(ctx, id)).To(Succeed())
			err = manager.PutChunk(ctx, id, 1, []byte("def"), "")
			Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		})

		It("rejects unknown sessions", func() {
			_, err := manager.Complete(ctx, "no-such-session")
			Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		})
	})
})
