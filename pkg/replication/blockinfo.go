package replication

import (
	"fmt"
	"strconv"
)

// Field names used when BlockInfo travels as object metadata rather than
// JSON. Object stores prefix them with X-Amz-Meta-.
const (
	FieldFSPath         = "Fs-Path"
	FieldFileVersion    = "File-Version"
	FieldBlockID        = "Block-Id"
	FieldBlockVersion   = "Block-Version"
	FieldBlockingFactor = "Blocking-Factor"
	FieldMTimeSec       = "File-Mtime-Sec"
	FieldMTimeNsec      = "File-Mtime-Nsec"
)

// Fields flattens b into string metadata.
func (b BlockInfo) Fields() map[string]string {
	return map[string]string{
		FieldFSPath:         b.FSPath,
		FieldFileVersion:    strconv.FormatInt(b.FileVersion, 10),
		FieldBlockID:        strconv.FormatUint(b.BlockID, 10),
		FieldBlockVersion:   strconv.FormatInt(b.BlockVersion, 10),
		FieldBlockingFactor: strconv.FormatUint(b.BlockingFactor, 10),
		FieldMTimeSec:       strconv.FormatInt(b.MTimeSec, 10),
		FieldMTimeNsec:      strconv.FormatInt(int64(b.MTimeNsec), 10),
	}
}

// ParseBlockInfo is the inverse of Fields. get looks a field up by name and
// returns "" when it is absent; absent numeric fields read as zero.
func ParseBlockInfo(get func(string) string) (BlockInfo, error) {
	var (
		info BlockInfo
		err  error
	)
	info.FSPath = get(FieldFSPath)
	if info.FSPath == "" {
		return BlockInfo{}, fmt.Errorf("replication: missing %s", FieldFSPath)
	}
	parseInt := func(name string, bits int) int64 {
		raw := get(name)
		if raw == "" || err != nil {
			return 0
		}
		v, perr := strconv.ParseInt(raw, 10, bits)
		if perr != nil {
			err = fmt.Errorf("replication: invalid %s %q", name, raw)
		}
		return v
	}
	parseUint := func(name string) uint64 {
		raw := get(name)
		if raw == "" || err != nil {
			return 0
		}
		v, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil {
			err = fmt.Errorf("replication: invalid %s %q", name, raw)
		}
		return v
	}
	info.FileVersion = parseInt(FieldFileVersion, 64)
	info.BlockID = parseUint(FieldBlockID)
	info.BlockVersion = parseInt(FieldBlockVersion, 64)
	info.BlockingFactor = parseUint(FieldBlockingFactor)
	info.MTimeSec = parseInt(FieldMTimeSec, 64)
	info.MTimeNsec = int32(parseInt(FieldMTimeNsec, 32))
	if err != nil {
		return BlockInfo{}, err
	}
	return info, nil
}
