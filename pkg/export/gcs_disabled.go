//go:build !gcp

package export

import (
	"context"
	"fmt"
)

func newGCSSink(ctx context.Context, bucket, prefix string) (Sink, error) {
	return nil, fmt.Errorf("GCS export is not enabled in this build (use -tags gcp)")
}
