package manifest

import (
	"testing"

	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/meta"
)

func TestFromRecordOrdersBlocks(t *testing.T) {
	rec := meta.Record{
		Path:    "/a/b",
		Version: 3,
		MTime:   fs.Timestamp{Sec: 1, Nsec: 2},
		Blocks: map[uint64]meta.BlockRecord{
			4: {Version: 1},
			0: {Version: 9},
			2: {Version: 3, Remote: true, URL: "http://ug2/DATA/a/b.3/2.3"},
		},
	}
	m := FromRecord(rec)
	if len(m.Blocks) != 3 || m.Blocks[0].ID != 0 || m.Blocks[1].ID != 2 || m.Blocks[2].ID != 4 {
		t.Fatalf("unexpected block order %+v", m.Blocks)
	}
	if m.Blocks[1].Host == "" || m.Blocks[0].Host != "" {
		t.Fatalf("host only expected on remote block: %+v", m.Blocks)
	}

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Path != "/a/b" || got.MTime != rec.MTime || len(got.Blocks) != 3 {
		t.Fatalf("unexpected manifest %+v", got)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("{not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}
