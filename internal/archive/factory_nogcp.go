//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStore(_ context.Context, _ string) (ColdStore, error) {
	return nil, fmt.Errorf("GCS archive storage is not enabled in this build (use -tags gcp)")
}
