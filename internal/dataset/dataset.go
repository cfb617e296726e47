// Package dataset implements the append-only Dataset sink CrawlerRuntime's
// request handlers push scraped items into: one record per call, no batching
// contract imposed on the caller.
package dataset

import (
	"context"

	"github.com/crawlkit/crawlkit/internal/types"
)

// Dataset is the append-only sink external interface.
type Dataset interface {
	PushData(ctx context.Context, item *types.Item) error
	Close() error
}
