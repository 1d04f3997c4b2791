package admincli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"lds.li/tokenidp/internal/adminapi"
)

// BoltCmd is the parent command for bolt-related operations.
type BoltCmd struct {
	ListBuckets          ListBucketsCmd          `cmd:"" help:"List all BoltDB buckets."`
	ListBucketContents   ListBucketContentsCmd   `cmd:"" help:"List contents of a specific bucket."`
	DeleteBucketContents DeleteBucketContentsCmd `cmd:"" help:"Delete all contents from a bucket."`
}

// ListBucketsCmd lists all BoltDB buckets.
type ListBucketsCmd struct {
	target
}

func (c *ListBucketsCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	resp, err := c.client(adminSocket).Do(ctx, http.MethodGet, "/admin/boltdb/buckets", nil, http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var bucket adminapi.BucketResponse
		if err := json.Unmarshal(line, &bucket); err != nil {
			return fmt.Errorf("decode bucket response: %w", err)
		}
		fmt.Fprintf(c.out(), "%s\n", bucket.Bucket)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}

// ListBucketContentsCmd lists contents of a specific bucket.
type ListBucketContentsCmd struct {
	BucketName string `arg:"" help:"Name of the bucket to list contents for."`

	target
}

func (c *ListBucketContentsCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	resp, err := c.client(adminSocket).Do(ctx, http.MethodGet, "/admin/boltdb/buckets/"+url.PathEscape(c.BucketName), nil, http.StatusOK)
	if err != nil {
		return bucketErr(err)
	}
	defer resp.Body.Close()

	out := c.out()
	// token records can exceed bufio's default line limit
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry adminapi.BucketEntryResponse
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("decode entry response: %w", err)
		}

		if !first {
			fmt.Fprintf(out, "\n")
		}
		first = false

		fmt.Fprintf(out, "Key: %s", entry.Key)
		if len(entry.KeyParts) > 1 {
			fmt.Fprintf(out, "\nKey Parts:")
			for i, part := range entry.KeyParts {
				fmt.Fprintf(out, "\n  [%d] %s", i+1, part)
			}
			fmt.Fprintf(out, "\n")
		}
		if entry.Format == "raw" {
			fmt.Fprintf(out, "\nFormat: %s\n", entry.Format)
		}
		fmt.Fprintf(out, "Value:\n%s\n", string(entry.Value))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}

// DeleteBucketContentsCmd deletes all contents from a specific bucket.
type DeleteBucketContentsCmd struct {
	BucketName string `arg:"" help:"Name of the bucket to delete contents from."`

	target
}

func (c *DeleteBucketContentsCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	resp, err := c.client(adminSocket).Do(ctx, http.MethodDelete, "/admin/boltdb/buckets/"+url.PathEscape(c.BucketName), nil, http.StatusNoContent)
	if err != nil {
		return bucketErr(err)
	}
	resp.Body.Close()

	fmt.Fprintf(c.out(), "Bucket %s emptied successfully.\n", c.BucketName)
	return nil
}

func bucketErr(err error) error {
	var se *adminapi.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return errors.New("bucket not found")
	}
	return err
}
