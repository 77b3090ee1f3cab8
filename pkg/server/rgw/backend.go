package rgw

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/johannesboyne/gofakes3"

	"github.com/jacktea/blockgw/pkg/replica"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

// Backend implements gofakes3.Backend on top of a replica store, so replica
// objects can be pushed and read back with any S3 client.
type Backend struct {
	store *replica.Store
}

var _ gofakes3.Backend = (*Backend)(nil)

// NewBackend wraps store with an S3-compatible backend.
func NewBackend(store *replica.Store) *Backend {
	return &Backend{store: store}
}

func (b *Backend) ListBuckets() ([]gofakes3.BucketInfo, error) {
	buckets, err := b.store.Buckets()
	if err != nil {
		return nil, err
	}
	out := make([]gofakes3.BucketInfo, 0, len(buckets))
	for _, bucket := range buckets {
		out = append(out, gofakes3.BucketInfo{
			Name:         bucket.Name,
			CreationDate: gofakes3.NewContentTime(bucket.Created),
		})
	}
	return out, nil
}

func (b *Backend) ListBucket(name string, prefix *gofakes3.Prefix, page gofakes3.ListBucketPage) (*gofakes3.ObjectList, error) {
	if err := b.ensureBucket(name); err != nil {
		return nil, err
	}
	if prefix == nil {
		prefix = &gofakes3.Prefix{}
	}
	var keyPrefix string
	if prefix.HasPrefix {
		keyPrefix = prefix.Prefix
	}
	objects, err := b.store.List(name, keyPrefix, page.Marker, 0)
	if err != nil {
		return nil, err
	}
	limit := int(page.MaxKeys)
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	results := gofakes3.NewObjectList()
	seenPrefixes := make(map[string]struct{})
	var lastKey string
	count := 0
	for _, obj := range objects {
		match := gofakes3.PrefixMatch{Key: obj.Key, MatchedPart: obj.Key}
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(obj.Key, &match) {
				continue
			}
		}
		if match.CommonPrefix {
			if _, ok := seenPrefixes[match.MatchedPart]; ok {
				continue
			}
			seenPrefixes[match.MatchedPart] = struct{}{}
		}
		if count == limit {
			results.IsTruncated = true
			break
		}
		count++
		if match.CommonPrefix {
			results.AddPrefix(match.MatchedPart)
			lastKey = match.MatchedPart
			continue
		}
		results.Add(&gofakes3.Content{
			Key:          obj.Key,
			LastModified: gofakes3.NewContentTime(obj.ModTime),
			ETag:         gofakes3.FormatETag(obj.MD5),
			Size:         obj.Size,
		})
		lastKey = obj.Key
	}
	if results.IsTruncated {
		results.NextMarker = lastKey
	}
	return results, nil
}

func (b *Backend) CreateBucket(name string) error {
	if err := gofakes3.ValidateBucketName(name); err != nil {
		return err
	}
	if err := b.store.CreateBucket(name); err != nil {
		if xerrors.KindOf(err) == xerrors.KindAlreadyExists {
			return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
		}
		return err
	}
	return nil
}

func (b *Backend) BucketExists(name string) (bool, error) {
	return b.store.BucketExists(name)
}

func (b *Backend) DeleteBucket(name string) error {
	return b.deleteBucket(name, false)
}

func (b *Backend) ForceDeleteBucket(name string) error {
	return b.deleteBucket(name, true)
}

func (b *Backend) deleteBucket(name string, force bool) error {
	err := b.store.DeleteBucket(context.Background(), name, force)
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return gofakes3.BucketNotFound(name)
	case xerrors.KindNotEmpty:
		return gofakes3.ResourceError(gofakes3.ErrBucketNotEmpty, name)
	}
	return err
}

func (b *Backend) GetObject(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest) (*gofakes3.Object, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return nil, err
	}
	f, obj, err := b.store.Open(context.Background(), bucket, object)
	if err != nil {
		return nil, keyError(object, err)
	}
	var rng *gofakes3.ObjectRange
	if rangeRequest != nil {
		rng, err = rangeRequest.Range(obj.Size)
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	return objectResponse(obj, newRangeReader(f, obj.Size, rng), rng), nil
}

func (b *Backend) HeadObject(bucket, object string) (*gofakes3.Object, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return nil, err
	}
	obj, err := b.store.Head(bucket, object)
	if err != nil {
		return nil, keyError(object, err)
	}
	return objectResponse(obj, io.NopCloser(bytes.NewReader(nil)), nil), nil
}

func (b *Backend) DeleteObject(bucket, object string) (gofakes3.ObjectDeleteResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.ObjectDeleteResult{}, err
	}
	err := b.store.Delete(context.Background(), bucket, object)
	if err != nil && xerrors.KindOf(err) != xerrors.KindNotFound {
		return gofakes3.ObjectDeleteResult{}, err
	}
	return gofakes3.ObjectDeleteResult{}, nil
}

func (b *Backend) PutObject(bucket, key string, meta map[string]string, input io.Reader, _ int64, conditions *gofakes3.PutConditions) (gofakes3.PutObjectResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	if conditions != nil {
		info := &gofakes3.ConditionalObjectInfo{}
		obj, err := b.store.Head(bucket, key)
		switch {
		case err == nil:
			info.Exists = true
			info.Hash = obj.MD5
		case xerrors.KindOf(err) != xerrors.KindNotFound:
			return gofakes3.PutObjectResult{}, err
		}
		if err := gofakes3.CheckPutConditions(conditions, info); err != nil {
			return gofakes3.PutObjectResult{}, err
		}
	}
	if _, err := b.store.Put(context.Background(), bucket, key, objectMeta(meta), input); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	return gofakes3.PutObjectResult{}, nil
}

func (b *Backend) DeleteMulti(bucket string, objects ...string) (gofakes3.MultiDeleteResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.MultiDeleteResult{}, err
	}
	var result gofakes3.MultiDeleteResult
	for _, key := range objects {
		if _, err := b.DeleteObject(bucket, key); err != nil {
			result.Error = append(result.Error, gofakes3.ErrorResultFromError(err))
		} else {
			result.Deleted = append(result.Deleted, gofakes3.ObjectID{Key: key})
		}
	}
	return result, result.AsError()
}

func (b *Backend) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) (gofakes3.CopyObjectResult, error) {
	if err := b.ensureBucket(srcBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	if err := b.ensureBucket(dstBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	ctx := context.Background()
	f, src, err := b.store.Open(ctx, srcBucket, srcKey)
	if err != nil {
		return gofakes3.CopyObjectResult{}, keyError(srcKey, err)
	}
	defer f.Close()
	if len(meta) == 0 {
		meta = src.Meta
	}
	dst, err := b.store.Put(ctx, dstBucket, dstKey, objectMeta(meta), f)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	return gofakes3.CopyObjectResult{
		ETag:         gofakes3.FormatETag(dst.MD5),
		LastModified: gofakes3.NewContentTime(dst.ModTime),
	}, nil
}

func (b *Backend) ensureBucket(name string) error {
	ok, err := b.store.BucketExists(name)
	if err != nil {
		return err
	}
	if !ok {
		return gofakes3.BucketNotFound(name)
	}
	return nil
}

func keyError(key string, err error) error {
	if xerrors.KindOf(err) == xerrors.KindNotFound {
		return gofakes3.KeyNotFound(key)
	}
	return err
}

// objectMeta keeps user metadata and content headers; the store records
// size, digest and modification time itself.
func objectMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if k == "Last-Modified" {
			continue
		}
		out[k] = v
	}
	return out
}

func objectResponse(obj replica.Object, body io.ReadCloser, rng *gofakes3.ObjectRange) *gofakes3.Object {
	headers := map[string]string{
		"Last-Modified": obj.ModTime.UTC().Format(http.TimeFormat),
	}
	for k, v := range obj.Meta {
		headers[k] = v
	}
	return &gofakes3.Object{
		Name:     obj.Key,
		Metadata: headers,
		Size:     obj.Size,
		Contents: body,
		Hash:     obj.MD5,
		Range:    rng,
	}
}

type rangeReader struct {
	*io.SectionReader
	f *os.File
}

func newRangeReader(f *os.File, size int64, rng *gofakes3.ObjectRange) io.ReadCloser {
	start, length := int64(0), size
	if rng != nil {
		start, length = rng.Start, rng.Length
	}
	return &rangeReader{SectionReader: io.NewSectionReader(f, start, length), f: f}
}

func (r *rangeReader) Close() error {
	err := r.f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
