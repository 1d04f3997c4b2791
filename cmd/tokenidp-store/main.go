package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"go.etcd.io/bbolt"
	"lds.li/tokenidp/internal/storage"
)

var rootCmd = struct {
	StateFile string `name:"state-file" required:"" help:"Path to the state file."`

	ListBuckets        ListBucketsCmd        `cmd:"" help:"List all buckets."`
	ListBucketContents ListBucketContentsCmd `cmd:"" help:"List all items in a bucket."`
	ListKeys           ListKeysCmd           `cmd:"" help:"List the signing and encryption keys."`
	GC                 GCCmd                 `cmd:"" name:"gc" help:"Remove expired codes, tokens and dynamic clients."`
}{}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
		// Exit immediately on second signal
		<-sigCh
		os.Exit(1)
	}()

	clictx := kong.Parse(
		&rootCmd,
		kong.Description("tokenidp-store queries the state database of a stopped server"),
	)

	clictx.BindTo(ctx, (*context.Context)(nil))

	clictx.FatalIfErrorf(clictx.Run())
}

// openReadOnly fails rather than waiting when a running server holds the
// state file.
func openReadOnly() (*bbolt.DB, error) {
	db, err := bbolt.Open(rootCmd.StateFile, 0o600, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	return db, nil
}

type ListBucketsCmd struct{}

func (c *ListBucketsCmd) Run(ctx context.Context) error {
	db, err := openReadOnly()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			fmt.Printf("%s\t%d\n", name, b.Stats().KeyN)
			return nil
		})
	})
}

type ListBucketContentsCmd struct {
	Bucket string `arg:"" required:"" help:"Bucket name to list contents of."`
}

func (c *ListBucketContentsCmd) Run(ctx context.Context) error {
	db, err := openReadOnly()
	if err != nil {
		return err
	}
	defer db.Close()

	type bucketItem struct {
		key   string
		value []byte
		exp   time.Time
	}

	var items []bucketItem
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.Bucket))
		if b == nil {
			return fmt.Errorf("bucket %q does not exist", c.Bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			items = append(items, bucketItem{
				key:   string(k),
				value: append([]byte(nil), v...),
				exp:   extractExpiryFromJSON(v),
			})
			return nil
		})
	})
	if err != nil {
		return err
	}

	sort.Slice(items, func(i, j int) bool {
		ei, ej := items[i].exp, items[j].exp
		switch {
		case ei.IsZero() && ej.IsZero():
			return items[i].key < items[j].key
		case ei.IsZero():
			return false // zero expiry sorts last
		case ej.IsZero():
			return true
		}
		return ei.Before(ej)
	})

	for _, item := range items {
		fmt.Printf("--- %s ---\n", item.key)
		if !item.exp.IsZero() {
			fmt.Printf("expires: %s\n", item.exp.Format(time.RFC3339))
		}
		fmt.Printf("%s\n\n", string(item.value))
	}
	return nil
}

// extractExpiryFromJSON finds when a stored record lapses. Granted tokens
// carry created_at and expires_in, index entries and dynamic clients carry
// expires_at.
func extractExpiryFromJSON(v []byte) time.Time {
	var rec struct {
		ExpiresAt        time.Time `json:"expires_at"`
		RefreshExpiresAt time.Time `json:"refresh_expires_at"`
		CreatedAt        time.Time `json:"created_at"`
		ExpiresIn        int64     `json:"expires_in"`
	}
	if err := json.Unmarshal(v, &rec); err != nil {
		return time.Time{}
	}
	if !rec.ExpiresAt.IsZero() {
		return rec.ExpiresAt
	}
	if rec.ExpiresIn > 0 {
		exp := rec.CreatedAt.Add(time.Duration(rec.ExpiresIn) * time.Second)
		if rec.RefreshExpiresAt.After(exp) {
			return rec.RefreshExpiresAt
		}
		return exp
	}
	return time.Time{}
}

type ListKeysCmd struct{}

func (c *ListKeysCmd) Run(ctx context.Context) error {
	state, err := storage.NewState(rootCmd.StateFile)
	if err != nil {
		return err
	}
	defer state.Close()

	keys, err := state.KeyStore().ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "KID\tType\tAlgorithm\tUse\n")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k.KID(), k.KeyType(), k.Algorithm(), k.Use())
	}
	return w.Flush()
}

type GCCmd struct {
	CodeValidity time.Duration `default:"5m" help:"How long authorization codes stay redeemable."`
}

func (c *GCCmd) Run(ctx context.Context) error {
	state, err := storage.NewState(rootCmd.StateFile)
	if err != nil {
		return err
	}
	defer state.Close()

	return state.GarbageCollect(c.CodeValidity)
}
