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

package trash_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
	"github.com/oxicloud/oxicloud/pkg/storage/metadata"
	"github.com/oxicloud/oxicloud/pkg/storage/trash"
)

var _ = Describe("Manager", func() {
	var (
		ctx     context.Context
		meta    *metadata.Store
		manager *trash.Manager

		user   = "einstein"
		folder *storage.Folder
		file   *storage.File
		hash   = "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		meta, err = metadata.NewSQLite(filepath.Join(GinkgoT().TempDir(), "meta.db"))
		Expect(err).ToNot(HaveOccurred())
		manager = trash.New(meta, 0, 0)

		folder, err = meta.CreateFolder(ctx, "docs", nil, user)
		Expect(err).ToNot(HaveOccurred())
		_, err = meta.EnsureBlob(ctx, hash, 4, "text/plain")
		Expect(err).ToNot(HaveOccurred())
		file, err = meta.CreateFile(ctx, "a.txt", &folder.ID, user, hash, 4, "text/plain")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(meta.Close()).To(Succeed())
	})

	It("schedules deletion one retention window after trashing", func() {
		Expect(manager.TrashFile(ctx, file.ID)).To(Succeed())

		items, err := manager.List(ctx, user)
		Expect(err).ToNot(HaveOccurred())
		Expect(items).To(HaveLen(1))
		Expect(items[0].DeletionDate).To(Equal(items[0].TrashedAt.Add(trash.DefaultRetention)))
	})

	It("restores items by their type", func() {
		Expect(manager.TrashFolder(ctx, folder.ID)).To(Succeed())
		Expect(manager.Restore(ctx, folder.ID, storage.ItemTypeFolder)).To(Succeed())

		got, err := meta.GetFile(ctx, file.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.IsTrashed).To(BeFalse())
	})

	It("deletes a single item permanently before its retention runs out", func() {
		Expect(manager.TrashFile(ctx, file.ID)).To(Succeed())
		Expect(manager.Delete(ctx, file.ID, storage.ItemTypeFile)).To(Succeed())

		_, err := meta.GetFile(ctx, file.ID)
		Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
	})

	It("empties the trash regardless of age", func() {
		Expect(manager.TrashFolder(ctx, folder.ID)).To(Succeed())
		Expect(manager.Empty(ctx, user)).To(Succeed())

		items, err := manager.List(ctx, user)
		Expect(err).ToNot(HaveOccurred())
		Expect(items).To(BeEmpty())
		_, err = meta.GetFile(ctx, file.ID)
		Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
	})

	It("sweeps only items past their retention", func() {
		short := trash.New(meta, time.Millisecond, 0)
		Expect(short.TrashFile(ctx, file.ID)).To(Succeed())
		time.Sleep(5 * time.Millisecond)

		n, err := short.SweepExpired(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(int64(1)))

		_, err = meta.GetFile(ctx, file.ID)
		Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
	})

	It("keeps items inside their retention window", func() {
		Expect(manager.TrashFile(ctx, file.ID)).To(Succeed())

		n, err := manager.SweepExpired(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("runs the sweeper in the background", func() {
		short := trash.New(meta, time.Millisecond, 10*time.Millisecond)
		short.Start(ctx)
		defer short.Stop()

		Expect(short.TrashFile(ctx, file.ID)).To(Succeed())

		Eventually(func() error {
			_, err := meta.GetFile(ctx, file.ID)
			return err
		}).WithTimeout(2 * time.Second).Should(BeAssignableToTypeOf(errtypes.NotFound("")))
	})
})
