// Package storage hands finished artifacts to durable object storage and
// returns a time-limited download URL.
package storage

import "context"

// Uploader stores a finished artifact under key and returns a URL from which
// it can be downloaded until the retention window ends.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
