package bench

import (
	"encoding/binary"
	"flag"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/maskdotdev/sombra-sub003"
)

var (
	benchSombra = flag.Bool("sombra", false, "run only sombra benchmarks")
)

const (
	benchValueSize  = 256
	benchNumRecords = 10000
	benchBatchSize  = 100
)

func key(i int) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(i))
}

func openTree(b *testing.B, options ...sombra.StoreOption) (*sombra.Store, *sombra.Tree[[]byte, []byte]) {
	b.Helper()
	store, err := sombra.OpenStore(filepath.Join(b.TempDir(), "bench.db"), options...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })
	tree, err := sombra.Open[[]byte, []byte](store, sombra.BytesCodec{}, sombra.BytesCodec{},
		sombra.WithInPlaceLeafEdits(true))
	if err != nil {
		b.Fatal(err)
	}
	return store, tree
}

func openPebble(b *testing.B) *pebble.DB {
	b.Helper()
	if *benchSombra {
		b.Skip()
	}
	db, err := pebble.Open(filepath.Join(b.TempDir(), "pebble"), &pebble.Options{})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = db.Close() })
	return db
}

// loadTree fills tree with benchNumRecords keys in batches.
func loadTree(b *testing.B, store *sombra.Store, tree *sombra.Tree[[]byte, []byte]) {
	b.Helper()
	value := make([]byte, benchValueSize)
	for i := 0; i < benchNumRecords; i += benchBatchSize {
		err := store.Update(func(w sombra.WriteTx) error {
			for j := 0; j < benchBatchSize && i+j < benchNumRecords; j++ {
				if err := tree.Put(w, key(i+j), value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func loadPebble(b *testing.B, db *pebble.DB) {
	b.Helper()
	value := make([]byte, benchValueSize)
	for i := 0; i < benchNumRecords; i += benchBatchSize {
		batch := db.NewBatch()
		for j := 0; j < benchBatchSize && i+j < benchNumRecords; j++ {
			_ = batch.Set(key(i+j), value, nil)
		}
		if err := batch.Commit(pebble.NoSync); err != nil {
			b.Fatal(err)
		}
		_ = batch.Close()
	}
}

func reportLatencies(b *testing.B, latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})
	b.ReportMetric(float64(latencies[len(latencies)*50/100].Nanoseconds()), "p50-ns")
	b.ReportMetric(float64(latencies[len(latencies)*99/100].Nanoseconds()), "p99-ns")
	b.ReportMetric(float64(latencies[len(latencies)*999/1000].Nanoseconds()), "p999-ns")
}

// Write Benchmarks

func BenchmarkSequentialWrite(b *testing.B) {
	b.Run("Sombra/SyncOn", func(b *testing.B) {
		store, tree := openTree(b, sombra.WithSyncEveryCommit())
		value := make([]byte, benchValueSize)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = store.Update(func(w sombra.WriteTx) error {
				return tree.Put(w, key(i), value)
			})
		}
	})

	b.Run("Sombra/SyncOff", func(b *testing.B) {
		store, tree := openTree(b, sombra.WithSyncOff())
		value := make([]byte, benchValueSize)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = store.Update(func(w sombra.WriteTx) error {
				return tree.Put(w, key(i), value)
			})
		}
	})

	b.Run("Pebble/SyncOn", func(b *testing.B) {
		db := openPebble(b)
		value := make([]byte, benchValueSize)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = db.Set(key(i), value, pebble.Sync)
		}
	})

	b.Run("Pebble/SyncOff", func(b *testing.B) {
		db := openPebble(b)
		value := make([]byte, benchValueSize)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = db.Set(key(i), value, pebble.NoSync)
		}
	})
}

func BenchmarkBatchWrite(b *testing.B) {
	b.Run("Sombra/PutMany", func(b *testing.B) {
		store, tree := openTree(b, sombra.WithSyncOff())
		rng := rand.New(rand.NewSource(42))
		value := make([]byte, benchValueSize)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			items := make([]sombra.Item[[]byte, []byte], benchBatchSize)
			for j := range items {
				items[j] = sombra.Item[[]byte, []byte]{Key: key(rng.Intn(1 << 20)), Value: value}
			}
			_ = store.Update(func(w sombra.WriteTx) error {
				return tree.PutMany(w, items)
			})
		}
	})

	b.Run("Sombra/Put", func(b *testing.B) {
		store, tree := openTree(b, sombra.WithSyncOff())
		rng := rand.New(rand.NewSource(42))
		value := make([]byte, benchValueSize)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = store.Update(func(w sombra.WriteTx) error {
				for j := 0; j < benchBatchSize; j++ {
					if err := tree.Put(w, key(rng.Intn(1<<20)), value); err != nil {
						return err
					}
				}
				return nil
			})
		}
	})

	b.Run("Pebble", func(b *testing.B) {
		db := openPebble(b)
		rng := rand.New(rand.NewSource(42))
		value := make([]byte, benchValueSize)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			batch := db.NewBatch()
			for j := 0; j < benchBatchSize; j++ {
				_ = batch.Set(key(rng.Intn(1<<20)), value, nil)
			}
			_ = batch.Commit(pebble.NoSync)
			_ = batch.Close()
		}
	})
}

func BenchmarkWriteLatency(b *testing.B) {
	b.Run("Sombra", func(b *testing.B) {
		store, tree := openTree(b, sombra.WithSyncEveryCommit())
		value := make([]byte, benchValueSize)
		latencies := make([]time.Duration, 0, b.N)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			start := time.Now()
			_ = store.Update(func(w sombra.WriteTx) error {
				return tree.Put(w, key(i), value)
			})
			latencies = append(latencies, time.Since(start))
		}
		b.StopTimer()
		reportLatencies(b, latencies)
	})

	b.Run("Pebble", func(b *testing.B) {
		db := openPebble(b)
		value := make([]byte, benchValueSize)
		latencies := make([]time.Duration, 0, b.N)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			start := time.Now()
			_ = db.Set(key(i), value, pebble.Sync)
			latencies = append(latencies, time.Since(start))
		}
		b.StopTimer()
		reportLatencies(b, latencies)
	})
}

// Read Benchmarks

func BenchmarkRandomRead(b *testing.B) {
	b.Run("Sombra", func(b *testing.B) {
		store, tree := openTree(b, sombra.WithSyncOff())
		loadTree(b, store, tree)
		rng := rand.New(rand.NewSource(42))
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = store.View(func(r sombra.ReadTx) error {
				_, _, err := tree.Get(r, key(rng.Intn(benchNumRecords)))
				return err
			})
		}
	})

	b.Run("Pebble", func(b *testing.B) {
		db := openPebble(b)
		loadPebble(b, db)
		rng := rand.New(rand.NewSource(42))
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_, closer, err := db.Get(key(rng.Intn(benchNumRecords)))
			if err == nil {
				_ = closer.Close()
			}
		}
	})
}

func BenchmarkConcurrentRead(b *testing.B) {
	b.Run("Sombra", func(b *testing.B) {
		store, tree := openTree(b, sombra.WithSyncOff(), sombra.WithCachePages(4096))
		loadTree(b, store, tree)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			rng := rand.New(rand.NewSource(42))
			for pb.Next() {
				_ = store.View(func(r sombra.ReadTx) error {
					_, _, err := tree.Get(r, key(rng.Intn(benchNumRecords)))
					return err
				})
			}
		})
	})

	b.Run("Pebble", func(b *testing.B) {
		db := openPebble(b)
		loadPebble(b, db)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			rng := rand.New(rand.NewSource(42))
			for pb.Next() {
				_, closer, err := db.Get(key(rng.Intn(benchNumRecords)))
				if err == nil {
					_ = closer.Close()
				}
			}
		})
	})
}

func BenchmarkRangeScan(b *testing.B) {
	const scanSize = 100

	b.Run("Sombra", func(b *testing.B) {
		store, tree := openTree(b, sombra.WithSyncOff())
		loadTree(b, store, tree)
		rng := rand.New(rand.NewSource(43))
		latencies := make([]time.Duration, 0, b.N)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			lo := rng.Intn(benchNumRecords - scanSize)
			start := time.Now()
			_ = store.View(func(r sombra.ReadTx) error {
				c, err := tree.Range(r, sombra.Included(key(lo)), sombra.Excluded(key(lo+scanSize)))
				if err != nil {
					return err
				}
				defer c.Close()
				for c.Next() {
				}
				return c.Err()
			})
			latencies = append(latencies, time.Since(start))
		}
		b.StopTimer()
		reportLatencies(b, latencies)
	})

	b.Run("Pebble", func(b *testing.B) {
		db := openPebble(b)
		loadPebble(b, db)
		rng := rand.New(rand.NewSource(43))
		latencies := make([]time.Duration, 0, b.N)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			lo := rng.Intn(benchNumRecords - scanSize)
			start := time.Now()
			iter, err := db.NewIter(&pebble.IterOptions{
				LowerBound: key(lo),
				UpperBound: key(lo + scanSize),
			})
			if err != nil {
				b.Fatal(err)
			}
			for iter.First(); iter.Valid(); iter.Next() {
			}
			_ = iter.Close()
			latencies = append(latencies, time.Since(start))
		}
		b.StopTimer()
		reportLatencies(b, latencies)
	})
}
