package domain

import (
	"context"
	"time"
)

// BlobObject describes one stored blob.
type BlobObject struct {
	Key        string
	URL        string
	Size       int64
	UploadedAt time.Time
}

// BlobStore is the durable object store holding board snapshots.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (BlobObject, error)
	List(ctx context.Context, prefix string) ([]BlobObject, error)
	Fetch(ctx context.Context, obj BlobObject) ([]byte, error)
}

// VersionCounter is the external integer shared by all server instances.
// Get reports ok=false when the counter has never been set.
type VersionCounter interface {
	Get(ctx context.Context) (value int64, ok bool, err error)
	Set(ctx context.Context, value int64) error
}

// LatestBlob picks the most recently uploaded object. Ties are broken by key,
// which is time-sortable for snapshots.
func LatestBlob(objs []BlobObject) (BlobObject, bool) {
	if len(objs) == 0 {
		return BlobObject{}, false
	}
	latest := objs[0]
	for _, o := range objs[1:] {
		if o.UploadedAt.After(latest.UploadedAt) ||
			(o.UploadedAt.Equal(latest.UploadedAt) && o.Key > latest.Key) {
			latest = o
		}
	}
	return latest, true
}
