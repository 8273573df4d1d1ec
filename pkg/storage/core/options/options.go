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

// Package options holds the storage core configuration. Callers pass a
// plain map (typically decoded from TOML/JSON) and Parse fills in the
// defaults.
package options

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// DB configures the metadata database.
type DB struct {
	// Driver is "postgres" or "sqlite3".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// OpTimeoutMS bounds individual database calls; 0 disables.
	OpTimeoutMS int `mapstructure:"op_timeout_ms"`
}

// Blob configures the on-disk blob directory.
type Blob struct {
	RootPath string `mapstructure:"root_path"`
	TmpPath  string `mapstructure:"tmp_path"`
	// GCIntervalM is the minutes between orphan-blob sweeps; 0 disables
	// the background sweep.
	GCIntervalM int `mapstructure:"gc_interval_m"`
}

// WriteBehind configures the small-upload staging tier.
type WriteBehind struct {
	Enabled         bool  `mapstructure:"enabled"`
	MaxEntryBytes   int64 `mapstructure:"max_entry_bytes"`
	MaxTotalBytes   int64 `mapstructure:"max_total_bytes"`
	FlushIntervalMS int   `mapstructure:"flush_interval_ms"`
}

// ContentCache configures the hot-bytes LRU.
type ContentCache struct {
	MaxBytes     int64 `mapstructure:"max_bytes"`
	MaxFileBytes int64 `mapstructure:"max_file_bytes"`
}

// Transcode configures on-demand WebP conversion.
type Transcode struct {
	Enabled       bool  `mapstructure:"enabled"`
	SourceSizeCap int64 `mapstructure:"source_size_cap"`
}

// Trash configures soft-delete retention.
type Trash struct {
	RetentionDays  int `mapstructure:"retention_days"`
	SweepIntervalH int `mapstructure:"sweep_interval_h"`
}

// ChunkedUpload configures resumable upload sessions.
type ChunkedUpload struct {
	ChunkBytes  int64 `mapstructure:"chunk_bytes"`
	SessionTTLH int   `mapstructure:"session_ttl_h"`
}

// Options is the full configuration of the storage core.
type Options struct {
	DB            DB            `mapstructure:"db"`
	Blob          Blob          `mapstructure:"blob"`
	WriteBehind   WriteBehind   `mapstructure:"write_behind"`
	ContentCache  ContentCache  `mapstructure:"content_cache"`
	Transcode     Transcode     `mapstructure:"transcode"`
	Trash         Trash         `mapstructure:"trash"`
	ChunkedUpload ChunkedUpload `mapstructure:"chunked_upload"`
}

// Parse decodes a config map and applies defaults.
func Parse(m map[string]interface{}) (*Options, error) {
	o := &Options{}
	if err := mapstructure.Decode(m, o); err != nil {
		return nil, errors.Wrap(err, "decoding storage core config")
	}
	o.init()
	return o, nil
}

func (o *Options) init() {
	if o.DB.Driver == "" {
		o.DB.Driver = "sqlite3"
	}
	if o.Blob.TmpPath == "" && o.Blob.RootPath != "" {
		o.Blob.TmpPath = o.Blob.RootPath + "/tmp"
	}
	if o.WriteBehind.MaxEntryBytes <= 0 {
		o.WriteBehind.MaxEntryBytes = 256 * 1024
	}
	if o.WriteBehind.MaxTotalBytes <= 0 {
		o.WriteBehind.MaxTotalBytes = 64 * 1024 * 1024
	}
	if o.WriteBehind.FlushIntervalMS <= 0 {
		o.WriteBehind.FlushIntervalMS = 500
	}
	if o.ContentCache.MaxFileBytes <= 0 {
		o.ContentCache.MaxFileBytes = 10 * 1024 * 1024
	}
	if o.ContentCache.MaxBytes <= 0 {
		o.ContentCache.MaxBytes = 256 * 1024 * 1024
	}
	if o.Trash.RetentionDays <= 0 {
		o.Trash.RetentionDays = 30
	}
	if o.Trash.SweepIntervalH <= 0 {
		o.Trash.SweepIntervalH = 1
	}
	if o.ChunkedUpload.ChunkBytes <= 0 {
		o.ChunkedUpload.ChunkBytes = 5 * 1024 * 1024
	}
	if o.ChunkedUpload.SessionTTLH <= 0 {
		o.ChunkedUpload.SessionTTLH = 24
	}
}

// OpTimeout returns the per-call database timeout, zero when disabled.
func (o *Options) OpTimeout() time.Duration {
	return time.Duration(o.DB.OpTimeoutMS) * time.Millisecond
}

// Retention returns the trash retention window.
func (o *Options) Retention() time.Duration {
	return time.Duration(o.Trash.RetentionDays) * 24 * time.Hour
}

// SweepInterval returns the trash sweep period.
func (o *Options) SweepInterval() time.Duration {
	return time.Duration(o.Trash.SweepIntervalH) * time.Hour
}

// FlushInterval returns the write-behind flush period.
func (o *Options) FlushInterval() time.Duration {
	return time.Duration(o.WriteBehind.FlushIntervalMS) * time.Millisecond
}

// SessionTTL returns the chunked-upload session lifetime.
func (o *Options) SessionTTL() time.Duration {
	return time.Duration(o.ChunkedUpload.SessionTTLH) * time.Hour
}

// GCInterval returns the orphan-blob sweep period, zero when disabled.
func (o *Options) GCInterval() time.Duration {
	return time.Duration(o.Blob.GCIntervalM) * time.Minute
}
