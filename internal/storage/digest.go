package storage

import (
	"strconv"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// DigestFalsePositiveRate is the target false positive rate of Digest.
	DigestFalsePositiveRate = 0.001
	// minDigestCapacity keeps small digests from saturating.
	minDigestCapacity = 1024
)

// Digest summarizes a store as a bloom filter over "key@version@timestamp"
// entries.
// A replica sends its digest to the primary, which answers with Missing.
func Digest(s Store) *bloom.BloomFilter {
	snap := s.Snapshot()
	n := uint(len(snap))
	if n < minDigestCapacity {
		n = minDigestCapacity
	}
	filter := bloom.NewWithEstimates(n, DigestFalsePositiveRate)
	for key, rec := range snap {
		filter.AddString(digestEntry(key, rec))
	}
	return filter
}

// Missing returns the records of src whose digest entry is absent from the
// remote digest, keyed by key. A false positive in the filter hides that
// key; Diverged finds it.
func Missing(src Store, remote *bloom.BloomFilter) map[string]Record {
	out := make(map[string]Record)
	for key, rec := range src.Snapshot() {
		if !remote.TestString(digestEntry(key, rec)) {
			out[key] = rec
		}
	}
	return out
}

// CopyMissing brings dst up to date with src using dst's digest, then
// applies whatever an exact Diverged pass still finds. It returns the number
// of records applied.
func CopyMissing(src, dst Store) int {
	applied := applyAll(dst, Missing(src, Digest(dst)))
	return applied + applyAll(dst, Diverged(src, dst))
}

func applyAll(dst Store, records map[string]Record) int {
	applied := 0
	for key, rec := range records {
		if dst.Apply(key, rec) {
			applied++
		}
	}
	return applied
}

// Diverged compares src and dst exactly and returns the records of src that
// dst lacks or holds an older copy of. It catches what a digest false
// positive let through.
func Diverged(src, dst Store) map[string]Record {
	out := make(map[string]Record)
	for key, rec := range src.Snapshot() {
		cur, err := dst.Get(key)
		if err != nil || rec.Newer(cur) {
			out[key] = rec
		}
	}
	return out
}

func digestEntry(key string, rec Record) string {
	return key + "@" + strconv.FormatUint(rec.Version, 10) + "@" + strconv.FormatUint(rec.Timestamp, 10)
}
