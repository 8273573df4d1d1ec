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

package download_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
	"github.com/oxicloud/oxicloud/pkg/storage/blobstore"
	"github.com/oxicloud/oxicloud/pkg/storage/cache/content"
	"github.com/oxicloud/oxicloud/pkg/storage/cache/transcode"
	"github.com/oxicloud/oxicloud/pkg/storage/cache/writebehind"
	"github.com/oxicloud/oxicloud/pkg/storage/download"
	"github.com/oxicloud/oxicloud/pkg/storage/metadata"
)

var _ = Describe("Pipeline", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		meta     *metadata.Store
		blobs    *blobstore.Blobstore
		pending  *writebehind.Cache
		cc       *content.Cache
		pipeline *download.Pipeline

		user = "einstein"
	)

	// createFile stores the bytes and registers the file row the way the
	// buffered upload tier does.
	createFile := func(name string, data []byte, contentType string) *storage.File {
		ref, err := blobs.StoreBytes(ctx, data, contentType)
		Expect(err).ToNot(HaveOccurred())
		f, err := meta.CreateFile(ctx, name, nil, user, ref.Hash, ref.Size, contentType)
		Expect(err).ToNot(HaveOccurred())
		return f
	}

	pngBytes := func() []byte {
		img := image.NewRGBA(image.Rect(0, 0, 128, 128))
		for y := 0; y < 128; y++ {
			for x := 0; x < 128; x++ {
				img.Set(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 2), B: uint8(x + y), A: 255})
			}
		}
		var buf bytes.Buffer
		Expect(png.Encode(&buf, img)).To(Succeed())
		return buf.Bytes()
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		base := GinkgoT().TempDir()

		var err error
		meta, err = metadata.NewSQLite(filepath.Join(base, "meta.db"))
		Expect(err).ToNot(HaveOccurred())
		blobs, err = blobstore.New(filepath.Join(base, "blobs"), filepath.Join(base, "tmp"), meta)
		Expect(err).ToNot(HaveOccurred())
		pending = writebehind.New(ctx, blobs, meta, writebehind.Options{FlushInterval: time.Hour})
		cc = content.New(0, 0)
		pipeline = download.NewPipeline(blobs, meta, pending, cc, transcode.New(true, 0))
	})

	AfterEach(func() {
		Expect(pending.Shutdown(ctx)).To(Succeed())
		cancel()
		Expect(meta.Close()).To(Succeed())
	})

	It("serves bytes still staged in the write-behind cache", func() {
		f, err := meta.RegisterFileDeferred(ctx, "staged.txt", nil, user, 5, "text/plain")
		Expect(err).ToNot(HaveOccurred())
		Expect(pending.PutPending(ctx, f.ID, []byte("fresh"), "text/plain")).To(BeTrue())

		c, err := pipeline.GetFileBytes(ctx, download.Request{FileID: f.ID})
		Expect(err).ToNot(HaveOccurred())
		Expect(c.Data).To(Equal([]byte("fresh")))
		Expect(c.WasTranscoded).To(BeFalse())
	})

	It("populates the content cache on the first read", func() {
		f := createFile("a.txt", []byte("hello"), "text/plain")
		Expect(cc.Len()).To(BeZero())

		first, err := pipeline.GetFileBytes(ctx, download.Request{FileID: f.ID})
		Expect(err).ToNot(HaveOccurred())
		Expect(first.Data).To(Equal([]byte("hello")))
		Expect(cc.Len()).To(Equal(1))

		second, err := pipeline.GetFileBytes(ctx, download.Request{FileID: f.ID})
		Expect(err).ToNot(HaveOccurred())
		Expect(second.Data).To(Equal(first.Data))
		Expect(second.ETag).To(Equal(first.ETag))
	})

	It("ignores cache entries whose etag went stale", func() {
		f := createFile("a.txt", []byte("old content"), "text/plain")
		_, err := pipeline.GetFileBytes(ctx, download.Request{FileID: f.ID})
		Expect(err).ToNot(HaveOccurred())

		time.Sleep(10 * time.Millisecond)
		ref, err := blobs.StoreBytes(ctx, []byte("new content"), "text/plain")
		Expect(err).ToNot(HaveOccurred())
		Expect(meta.UpdateFileBlobHash(ctx, f.ID, ref.Hash, ref.Size)).To(Succeed())

		c, err := pipeline.GetFileBytes(ctx, download.Request{FileID: f.ID})
		Expect(err).ToNot(HaveOccurred())
		Expect(c.Data).To(Equal([]byte("new content")))
	})

	It("refuses to buffer large files", func() {
		ref, err := blobs.StoreBytes(ctx, []byte("stub"), "application/octet-stream")
		Expect(err).ToNot(HaveOccurred())
		f, err := meta.CreateFile(ctx, "huge.bin", nil, user, ref.Hash, download.StreamThreshold, "application/octet-stream")
		Expect(err).ToNot(HaveOccurred())

		_, err = pipeline.GetFileBytes(ctx, download.Request{FileID: f.ID})
		Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))

		rc, got, err := pipeline.GetFileStream(ctx, f.ID)
		Expect(err).ToNot(HaveOccurred())
		defer rc.Close()
		Expect(got.ID).To(Equal(f.ID))
		data, err := io.ReadAll(rc)
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal([]byte("stub")))
	})

	It("returns not found for unknown ids", func() {
		_, err := pipeline.GetFileBytes(ctx, download.Request{FileID: "nope"})
		Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
	})

	It("hides trashed files from every read surface", func() {
		f := createFile("gone.txt", []byte("soft deleted"), "text/plain")
		Expect(meta.MoveFileToTrash(ctx, f.ID)).To(Succeed())

		_, err := pipeline.GetFileBytes(ctx, download.Request{FileID: f.ID})
		Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		_, _, err = pipeline.GetFileStream(ctx, f.ID)
		Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		_, _, err = pipeline.GetFileRangeStream(ctx, f.ID, 0, nil)
		Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
	})

	Describe("range reads", func() {
		var f *storage.File

		BeforeEach(func() {
			f = createFile("digits.txt", []byte("0123456789"), "text/plain")
		})

		readRange := func(start int64, end *int64) string {
			rc, _, err := pipeline.GetFileRangeStream(ctx, f.ID, start, end)
			Expect(err).ToNot(HaveOccurred())
			defer rc.Close()
			data, err := io.ReadAll(rc)
			Expect(err).ToNot(HaveOccurred())
			return string(data)
		}

		It("treats the range end as inclusive", func() {
			end := int64(4)
			Expect(readRange(2, &end)).To(Equal("234"))
		})

		It("reads to the end when no end is given", func() {
			Expect(readRange(6, nil)).To(Equal("6789"))
		})

		It("returns an empty stream past the end", func() {
			Expect(readRange(10, nil)).To(BeEmpty())
		})

		It("clamps an end past the file size", func() {
			end := int64(100)
			Expect(readRange(8, &end)).To(Equal("89"))
		})

		It("slices staged bytes the same way", func() {
			staged, err := meta.RegisterFileDeferred(ctx, "staged.txt", nil, user, 10, "text/plain")
			Expect(err).ToNot(HaveOccurred())
			Expect(pending.PutPending(ctx, staged.ID, []byte("abcdefghij"), "text/plain")).To(BeTrue())

			end := int64(4)
			rc, _, err := pipeline.GetFileRangeStream(ctx, staged.ID, 2, &end)
			Expect(err).ToNot(HaveOccurred())
			defer rc.Close()
			data, err := io.ReadAll(rc)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(Equal("cde"))
		})

		It("returns an empty stream for an inverted range on both tiers", func() {
			end := int64(2)
			Expect(readRange(5, &end)).To(BeEmpty())

			staged, err := meta.RegisterFileDeferred(ctx, "staged.txt", nil, user, 10, "text/plain")
			Expect(err).ToNot(HaveOccurred())
			Expect(pending.PutPending(ctx, staged.ID, []byte("abcdefghij"), "text/plain")).To(BeTrue())

			rc, _, err := pipeline.GetFileRangeStream(ctx, staged.ID, 5, &end)
			Expect(err).ToNot(HaveOccurred())
			defer rc.Close()
			data, err := io.ReadAll(rc)
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(BeEmpty())
		})
	})

	Describe("transcoding", func() {
		var (
			f   *storage.File
			src []byte
		)

		BeforeEach(func() {
			src = pngBytes()
			f = createFile("photo.png", src, "image/png")
		})

		It("serves WebP to clients that accept it", func() {
			c, err := pipeline.GetFileBytes(ctx, download.Request{FileID: f.ID, AcceptWebP: true})
			Expect(err).ToNot(HaveOccurred())
			if c.WasTranscoded {
				Expect(c.Mime).To(Equal("image/webp"))
				Expect(len(c.Data)).To(BeNumerically("<", len(src)))
			} else {
				Expect(c.Data).To(Equal(src))
			}
		})

		It("respects the original-format preference", func() {
			c, err := pipeline.GetFileBytes(ctx, download.Request{FileID: f.ID, AcceptWebP: true, PreferOriginal: true})
			Expect(err).ToNot(HaveOccurred())
			Expect(c.WasTranscoded).To(BeFalse())
			Expect(c.Mime).To(Equal("image/png"))
			Expect(c.Data).To(Equal(src))
		})

		It("serves the original to clients without WebP support", func() {
			c, err := pipeline.GetFileBytes(ctx, download.Request{FileID: f.ID})
			Expect(err).ToNot(HaveOccurred())
			Expect(c.WasTranscoded).To(BeFalse())
			Expect(c.Data).To(Equal(src))
		})

		It("caches the original, not the transcoded form", func() {
			_, err := pipeline.GetFileBytes(ctx, download.Request{FileID: f.ID, AcceptWebP: true})
			Expect(err).ToNot(HaveOccurred())

			cached, ok := cc.Get(f.ID)
			Expect(ok).To(BeTrue())
			Expect(cached.Data).To(Equal(src))
			Expect(cached.ContentType).To(Equal("image/png"))
		})
	})
})
