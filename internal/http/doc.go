// Package http provides the HTTP client used for block transfers against
// one-time upload and download URLs.
//
// This package handles:
//   - Connection pooling for high parallelism
//   - HEAD requests to get object metadata
//   - Range requests for block downloads
//   - PUT uploads of staged blocks, returning the part ETag
//   - Bounded retry of network-class failures (see internal/retry)
//
// # Usage
//
//	client := http.NewClient(Options{
//	    MaxIdleConnsPerHost: 100,
//	    Timeout:             5 * time.Minute,
//	    RetryAttempts:       5,
//	})
//
//	// Upload a block to a presigned part URL
//	etag, err := client.Put(ctx, partURL, block)
//
//	// Download a range
//	resp, err := client.GetRange(ctx, url, startByte, endByte)
//	defer resp.Body.Close()
package http
