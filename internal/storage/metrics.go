package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	signingKeyCreatedTimestampSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jwk_key_created_timestamp_seconds",
			Help: "Unix timestamp (seconds) when a stored JSON web key was created",
		},
		[]string{"alg", "kid"},
	)

	keyCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jwk_key_count",
			Help: "Number of stored JSON web keys per use",
		},
		[]string{"use"},
	)

	stateBucketKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "state_bucket_keys",
			Help: "Number of keys in each BoltDB state bucket",
		},
		[]string{"bucket"},
	)

	stateBoltFileSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "state_bolt_file_size_bytes",
			Help: "Size in bytes of the BoltDB state file",
		},
	)
)

func reportKeyMetrics(keys []storedKey) {
	counts := map[string]int{}
	for _, k := range keys {
		counts[string(k.Key.Use())]++
		signingKeyCreatedTimestampSeconds.WithLabelValues(k.Key.Algorithm(), k.Key.KID()).Set(float64(k.CreatedAt.Unix()))
	}
	for use, n := range counts {
		keyCount.WithLabelValues(use).Set(float64(n))
	}
}

func reportStateFileSize(path string) {
	size, err := getFileSize(path)
	if err != nil {
		return
	}
	stateBoltFileSizeBytes.Set(float64(size))
}
