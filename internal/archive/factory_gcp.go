//go:build gcp

package archive

import "context"

func newGCSStore(ctx context.Context, bucket string) (ColdStore, error) {
	return NewGCSStore(ctx, bucket)
}
