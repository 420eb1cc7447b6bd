// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the zstd frame header; export payloads are sniffed for it so
// decompression works even when the backend omits Content-Encoding.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// CreateBulkExport starts an asynchronous trace export job.
func (c *Client) CreateBulkExport(ctx context.Context, filters map[string]any) (string, error) {
	data, err := c.do(ctx, request{method: http.MethodPost, path: "/bulk-exports", body: filters})
	if err != nil {
		return "", fmt.Errorf("failed to create bulk export: %w", err)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.ID == "" {
		return "", &ErrShape{Detail: "bulk export response missing id"}
	}
	return resp.ID, nil
}

// GetBulkExportStatus reports an export job's state.
func (c *Client) GetBulkExportStatus(ctx context.Context, id string) (BulkExport, error) {
	data, err := c.do(ctx, request{method: http.MethodGet, path: "/bulk-exports/" + id})
	if err != nil {
		return BulkExport{}, fmt.Errorf("failed to get bulk export %s: %w", id, err)
	}
	var export BulkExport
	if err := json.Unmarshal(data, &export); err != nil {
		return BulkExport{}, &ErrShape{Detail: fmt.Sprintf("bulk export payload failed to decode: %v", err)}
	}
	return export, nil
}

// DownloadBulkExport fetches a completed export's payload, transparently
// decompressing zstd frames.
func (c *Client) DownloadBulkExport(ctx context.Context, id string) ([]byte, error) {
	data, err := c.do(ctx, request{method: http.MethodGet, path: "/bulk-exports/" + id + "/download"})
	if err != nil {
		return nil, fmt.Errorf("failed to download bulk export %s: %w", id, err)
	}

	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}

	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open zstd payload for export %s: %w", id, err)
	}
	defer decoder.Close()

	out, err := io.ReadAll(io.LimitReader(decoder.IOReadCloser(), maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress bulk export %s: %w", id, err)
	}
	return out, nil
}
