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

package writebehind_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oxicloud/oxicloud/pkg/storage"
	"github.com/oxicloud/oxicloud/pkg/storage/blobstore"
	"github.com/oxicloud/oxicloud/pkg/storage/cache/writebehind"
	"github.com/oxicloud/oxicloud/pkg/storage/metadata"
)

var _ = Describe("Cache", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		meta   *metadata.Store
		blobs  *blobstore.Blobstore
		cache  *writebehind.Cache

		user = "einstein"
		data = []byte("small upload payload")
	)

	newCache := func(opts writebehind.Options) *writebehind.Cache {
		return writebehind.New(ctx, blobs, meta, opts)
	}

	registered := func(name string) string {
		f, err := meta.RegisterFileDeferred(ctx, name, nil, user, int64(len(data)), "text/plain")
		Expect(err).ToNot(HaveOccurred())
		return f.ID
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		base := GinkgoT().TempDir()
		var err error
		meta, err = metadata.NewSQLite(filepath.Join(base, "meta.db"))
		Expect(err).ToNot(HaveOccurred())
		blobs, err = blobstore.New(filepath.Join(base, "blobs"), filepath.Join(base, "tmp"), meta)
		Expect(err).ToNot(HaveOccurred())
		cache = newCache(writebehind.Options{FlushInterval: 10 * time.Millisecond})
	})

	AfterEach(func() {
		Expect(cache.Shutdown(ctx)).To(Succeed())
		cancel()
		Expect(meta.Close()).To(Succeed())
	})

	It("serves staged bytes until the flush commits", func() {
		id := registered("a.txt")
		Expect(cache.PutPending(ctx, id, data, "text/plain")).To(BeTrue())

		got, ok := cache.GetPending(id)
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(data))
		Expect(cache.IsPending(id)).To(BeTrue())
	})

	It("flushes in the background and swaps in the real hash", func() {
		id := registered("a.txt")
		Expect(cache.PutPending(ctx, id, data, "text/plain")).To(BeTrue())

		Eventually(func() bool {
			return cache.IsPending(id)
		}).WithTimeout(2 * time.Second).Should(BeFalse())

		f, err := meta.GetFile(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		Expect(f.BlobHash).To(Equal(blobstore.HashBytes(data)))

		stored, err := blobs.ReadBytes(ctx, f.BlobHash)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored).To(Equal(data))
	})

	It("rejects a second put for the same file id", func() {
		id := registered("a.txt")
		Expect(cache.PutPending(ctx, id, data, "text/plain")).To(BeTrue())
		Expect(cache.PutPending(ctx, id, data, "text/plain")).To(BeFalse())
	})

	It("rejects payloads at or above the threshold", func() {
		Expect(cache.IsEligible(writebehind.DefaultThreshold)).To(BeFalse())
		Expect(cache.IsEligible(writebehind.DefaultThreshold - 1)).To(BeTrue())

		big := make([]byte, writebehind.DefaultThreshold)
		Expect(cache.PutPending(ctx, "some-id", big, "application/octet-stream")).To(BeFalse())
	})

	It("reports no capacity once the byte budget is reached", func() {
		Expect(cache.Shutdown(ctx)).To(Succeed())
		cache = newCache(writebehind.Options{
			// room for one entry only; flush far in the future
			MaxBytes:      int64(len(data)) + 1,
			FlushInterval: time.Hour,
		})

		first := registered("a.txt")
		second := registered("b.txt")
		Expect(cache.PutPending(ctx, first, data, "text/plain")).To(BeTrue())
		Expect(cache.PutPending(ctx, second, data, "text/plain")).To(BeFalse())
	})

	It("flushes on demand", func() {
		Expect(cache.Shutdown(ctx)).To(Succeed())
		cache = newCache(writebehind.Options{FlushInterval: time.Hour})

		id := registered("a.txt")
		Expect(cache.PutPending(ctx, id, data, "text/plain")).To(BeTrue())
		Expect(cache.ForceFlush(ctx, id)).To(Succeed())

		Expect(cache.IsPending(id)).To(BeFalse())
		f, err := meta.GetFile(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		Expect(f.BlobHash).To(Equal(blobstore.HashBytes(data)))
	})

	It("drains everything on shutdown", func() {
		Expect(cache.Shutdown(ctx)).To(Succeed())
		cache = newCache(writebehind.Options{FlushInterval: time.Hour})

		ids := []string{registered("a.txt"), registered("b.txt")}
		for _, id := range ids {
			Expect(cache.PutPending(ctx, id, data, "text/plain")).To(BeTrue())
		}
		Expect(cache.Shutdown(ctx)).To(Succeed())

		for _, id := range ids {
			f, err := meta.GetFile(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(f.BlobHash).ToNot(Equal(storage.SentinelHash))
		}

		// keep AfterEach's shutdown idempotent
		cache = newCache(writebehind.Options{FlushInterval: time.Hour})
	})

	It("drops staged bytes whose file row was deleted", func() {
		Expect(cache.Shutdown(ctx)).To(Succeed())
		cache = newCache(writebehind.Options{
			FlushInterval:   time.Hour,
			MaxFlushElapsed: 100 * time.Millisecond,
		})

		id := registered("a.txt")
		Expect(cache.PutPending(ctx, id, data, "text/plain")).To(BeTrue())
		Expect(meta.DeleteFile(ctx, id)).To(Succeed())

		Expect(cache.ForceFlush(ctx, id)).ToNot(Succeed())

		// the entry must not stay staged forever, nor pin the byte budget
		Expect(cache.IsPending(id)).To(BeFalse())
		Expect(cache.Stats().PendingBytes).To(BeZero())
	})

	It("tracks counters across flushes", func() {
		id := registered("a.txt")
		Expect(cache.PutPending(ctx, id, data, "text/plain")).To(BeTrue())
		_, _ = cache.GetPending(id)
		Expect(cache.ForceFlush(ctx, id)).To(Succeed())

		stats := cache.Stats()
		Expect(stats.PendingCount).To(BeZero())
		Expect(stats.PendingBytes).To(BeZero())
		Expect(stats.TotalWrites).To(Equal(int64(1)))
		Expect(stats.TotalBytesWritten).To(Equal(int64(len(data))))
		Expect(stats.CacheHits).To(Equal(int64(1)))
	})
})
