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

// Package transcode converts image payloads to WebP on demand and caches
// the results. Conversion is best-effort: when the output is not smaller
// than the source, callers get the source back unchanged.
package transcode

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/bluele/gcache"
	"github.com/chai2010/webp"
	"github.com/pkg/errors"

	"github.com/oxicloud/oxicloud/pkg/appctx"
	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
)

const (
	// FormatWebP is the only supported target format.
	FormatWebP = "webp"
	// DefaultSourceSizeCap is the largest source considered worth
	// converting.
	DefaultSourceSizeCap = 20 * 1024 * 1024
	// defaultCacheEntries bounds the result cache.
	defaultCacheEntries = 512
	// webpQuality trades size for fidelity; matches common web defaults.
	webpQuality = 80
)

// Transcoder converts JPEG and PNG payloads to WebP, caching results by
// (file id, target format).
type Transcoder struct {
	enabled       bool
	sourceSizeCap int64
	results       gcache.Cache
}

// New builds a transcoder. A zero sourceSizeCap selects the default.
func New(enabled bool, sourceSizeCap int64) *Transcoder {
	if sourceSizeCap <= 0 {
		sourceSizeCap = DefaultSourceSizeCap
	}
	return &Transcoder{
		enabled:       enabled,
		sourceSizeCap: sourceSizeCap,
		results:       gcache.New(defaultCacheEntries).LRU().Build(),
	}
}

// CanTranscode reports whether the source mime type has a decoder.
func (t *Transcoder) CanTranscode(mime string) bool {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg", "image/png":
		return true
	}
	return false
}

// ShouldTranscode reports whether converting a payload of the given mime
// and size is worth attempting.
func (t *Transcoder) ShouldTranscode(mime string, size int64) bool {
	return t.enabled && t.CanTranscode(mime) && size > 0 && size <= t.sourceSizeCap
}

// GetTranscoded converts the payload to the target format, serving from
// the result cache when possible. When conversion does not shrink the
// payload the source comes back with WasTranscoded=false, and that
// outcome is cached too.
func (t *Transcoder) GetTranscoded(ctx context.Context, fileID string, data []byte, sourceMime, targetFormat string) (*storage.TranscodeResult, error) {
	if targetFormat != FormatWebP {
		return nil, errtypes.NotSupported("transcode target " + targetFormat)
	}
	if !t.CanTranscode(sourceMime) {
		return nil, errtypes.NotSupported("transcode source " + sourceMime)
	}

	key := fileID + ":" + targetFormat
	if v, err := t.results.Get(key); err == nil {
		if res, ok := v.(*storage.TranscodeResult); ok {
			return res, nil
		}
	}

	res, err := t.convert(data, sourceMime)
	if err != nil {
		return nil, err
	}
	if !res.WasTranscoded {
		appctx.GetLogger(ctx).Debug().Str("file_id", fileID).
			Int("source_bytes", len(data)).Msg("transcode not beneficial, serving original")
	}
	_ = t.results.Set(key, res)
	return res, nil
}

// Invalidate removes every cached target for a file id.
func (t *Transcoder) Invalidate(fileID string) {
	t.results.Remove(fileID + ":" + FormatWebP)
}

func (t *Transcoder) convert(data []byte, sourceMime string) (*storage.TranscodeResult, error) {
	var img image.Image
	var err error
	switch strings.ToLower(sourceMime) {
	case "image/jpeg", "image/jpg":
		img, err = jpeg.Decode(bytes.NewReader(data))
	case "image/png":
		img, err = png.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, errors.Wrap(err, "decoding image for transcode")
	}

	var out bytes.Buffer
	if err := webp.Encode(&out, img, &webp.Options{Quality: webpQuality}); err != nil {
		return nil, errors.Wrap(err, "encoding webp")
	}

	if out.Len() >= len(data) {
		return &storage.TranscodeResult{Data: data, Mime: sourceMime, WasTranscoded: false}, nil
	}
	return &storage.TranscodeResult{Data: out.Bytes(), Mime: "image/webp", WasTranscoded: true}, nil
}
