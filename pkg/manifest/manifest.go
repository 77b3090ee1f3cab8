// Package manifest serializes the block list of one file version.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/meta"
)

// Block is one entry of a manifest.
type Block struct {
	ID      uint64 `json:"id"`
	Version int64  `json:"version"`
	// Host is set for blocks hosted by another gateway.
	Host string `json:"host,omitempty"`
}

// Manifest lists the current blocks of a file version.
type Manifest struct {
	Path           string       `json:"path"`
	Version        int64        `json:"version"`
	MTime          fs.Timestamp `json:"mtime"`
	Size           int64        `json:"size"`
	BlockingFactor uint64       `json:"blocking_factor"`
	Blocks         []Block      `json:"blocks"`
}

// FromRecord builds the manifest of rec, blocks in ascending id order.
func FromRecord(rec meta.Record) Manifest {
	m := Manifest{
		Path:           rec.Path,
		Version:        rec.Version,
		MTime:          rec.MTime,
		Size:           rec.Size,
		BlockingFactor: rec.BlockingFactor,
		Blocks:         make([]Block, 0, len(rec.Blocks)),
	}
	for _, id := range rec.BlockIDs() {
		blk := rec.Blocks[id]
		entry := Block{ID: id, Version: blk.Version}
		if blk.Remote {
			entry.Host = blk.URL
		}
		m.Blocks = append(m.Blocks, entry)
	}
	return m
}

// Marshal encodes m.
func (m Manifest) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("manifest: encode %s: %w", m.Path, err)
	}
	return data, nil
}

// Unmarshal decodes a manifest.
func Unmarshal(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode: %w", err)
	}
	return m, nil
}
