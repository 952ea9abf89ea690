package benchmarks

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	mdbxgo "github.com/erigontech/mdbx-go/mdbx"
	bolt "go.etcd.io/bbolt"
)

// Cached benchmark dataset directory
const benchCacheDir = "testdata/benchdata"

// recordSize is the size of one fixed-width record in the flat file, and of
// one value in the key-value stores.
const recordSize = 64

var (
	cacheMu   sync.Mutex
	flatFiles = make(map[int]*os.File)
	mdbxEnvs  = make(map[int]*mdbxgo.Env)
	boltDBs   = make(map[int]*bolt.DB)
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func ensureCacheDir(b testing.TB) {
	if err := os.MkdirAll(benchCacheDir, 0755); err != nil {
		b.Fatal(err)
	}
}

// fillRecord writes record i: its index followed by a deterministic pattern.
func fillRecord(rec []byte, i int) {
	binary.BigEndian.PutUint64(rec, uint64(i))
	for j := 8; j < len(rec); j++ {
		rec[j] = byte(i + j)
	}
}

func recordKey(key []byte, i int) {
	binary.BigEndian.PutUint64(key, uint64(i))
}

// randomOrder returns a fixed permutation of [0, n).
func randomOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := len(order) - 1; i > 0; i-- {
		j := int(uint64(i*17+31) % uint64(i+1))
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// getCachedFlatFile returns a file of numRecords fixed-width records,
// creating it under testdata/benchdata if needed.
func getCachedFlatFile(b testing.TB, numRecords int) *os.File {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if f, ok := flatFiles[numRecords]; ok {
		return f
	}

	ensureCacheDir(b)
	path := filepath.Join(benchCacheDir, fmt.Sprintf("flat_%d.dat", numRecords))

	if !fileExists(path) {
		b.Logf("Creating cached flat file with %d records...", numRecords)
		if err := populateFlatFile(path, numRecords); err != nil {
			b.Fatal(err)
		}
	} else {
		b.Logf("Using cached flat file with %d records", numRecords)
	}

	f, err := os.Open(path)
	if err != nil {
		b.Fatal(err)
	}
	flatFiles[numRecords] = f
	return f
}

func populateFlatFile(path string, numRecords int) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	const batch = 4096
	buf := make([]byte, batch*recordSize)
	for i := 0; i < numRecords; i += batch {
		n := batch
		if numRecords-i < n {
			n = numRecords - i
		}
		for j := 0; j < n; j++ {
			fillRecord(buf[j*recordSize:(j+1)*recordSize], i+j)
		}
		if _, err := f.Write(buf[:n*recordSize]); err != nil {
			f.Close()
			return err
		}
	}

	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// getCachedMdbx returns an mdbx environment holding the same records keyed
// by their big endian index in table "bench".
func getCachedMdbx(b testing.TB, numRecords int) *mdbxgo.Env {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if env, ok := mdbxEnvs[numRecords]; ok {
		return env
	}

	ensureCacheDir(b)
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%d_mdbx.db", numRecords))
	exists := fileExists(path)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	env, err := mdbxgo.NewEnv(mdbxgo.Label("bench"))
	if err != nil {
		b.Fatal(err)
	}
	env.SetOption(mdbxgo.OptMaxDB, 10)
	env.SetGeometry(-1, -1, 1<<32, -1, -1, 4096) // 4GB max
	if err := env.Open(path, mdbxgo.NoSubdir|mdbxgo.NoMetaSync|mdbxgo.WriteMap, 0644); err != nil {
		env.Close()
		b.Fatal(err)
	}

	if !exists {
		b.Logf("Creating cached mdbx DB with %d records...", numRecords)
		populateMdbx(b, env, numRecords)
	} else {
		b.Logf("Using cached mdbx DB with %d records", numRecords)
	}

	mdbxEnvs[numRecords] = env
	return env
}

// populateMdbx must run on a locked OS thread.
func populateMdbx(b testing.TB, env *mdbxgo.Env, numRecords int) {
	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		b.Fatal(err)
	}
	dbi, err := txn.OpenDBI("bench", mdbxgo.Create, nil, nil)
	if err != nil {
		b.Fatal(err)
	}

	batchSize := 100_000
	key := make([]byte, 8)
	val := make([]byte, recordSize)

	for i := 0; i < numRecords; i++ {
		recordKey(key, i)
		fillRecord(val, i)

		if err := txn.Put(dbi, key, val, mdbxgo.Upsert); err != nil {
			b.Fatal(err)
		}

		if (i+1)%batchSize == 0 {
			if _, err := txn.Commit(); err != nil {
				b.Fatal(err)
			}
			txn, err = env.BeginTxn(nil, 0)
			if err != nil {
				b.Fatal(err)
			}
		}
	}

	if _, err := txn.Commit(); err != nil {
		b.Fatal(err)
	}
}

// getCachedBolt returns a bolt database holding the same records in bucket
// "bench".
func getCachedBolt(b testing.TB, numRecords int) *bolt.DB {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if db, ok := boltDBs[numRecords]; ok {
		return db
	}

	ensureCacheDir(b)
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%d_bolt.db", numRecords))
	exists := fileExists(path)

	db, err := bolt.Open(path, 0644, &bolt.Options{
		NoSync:         true,
		NoFreelistSync: true,
	})
	if err != nil {
		b.Fatal(err)
	}

	if !exists {
		b.Logf("Creating cached BoltDB with %d records...", numRecords)
		populateBolt(b, db, numRecords)
	} else {
		b.Logf("Using cached BoltDB with %d records", numRecords)
	}

	boltDBs[numRecords] = db
	return db
}

func populateBolt(b testing.TB, db *bolt.DB, numRecords int) {
	batchSize := 100_000
	key := make([]byte, 8)
	val := make([]byte, recordSize)

	for start := 0; start < numRecords; start += batchSize {
		end := start + batchSize
		if end > numRecords {
			end = numRecords
		}

		err := db.Update(func(tx *bolt.Tx) error {
			bucket, err := tx.CreateBucketIfNotExists([]byte("bench"))
			if err != nil {
				return err
			}
			for i := start; i < end; i++ {
				recordKey(key, i)
				fillRecord(val, i)
				if err := bucket.Put(key, val); err != nil {
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

// CleanupBenchCache closes all cached files and environments.
// Call this in TestMain or after benchmarks complete.
func CleanupBenchCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	for _, f := range flatFiles {
		f.Close()
	}
	for _, env := range mdbxEnvs {
		env.Close()
	}
	for _, db := range boltDBs {
		db.Close()
	}
	flatFiles = make(map[int]*os.File)
	mdbxEnvs = make(map[int]*mdbxgo.Env)
	boltDBs = make(map[int]*bolt.DB)
}

// DeleteBenchCache removes all cached dataset files.
func DeleteBenchCache() error {
	return os.RemoveAll(benchCacheDir)
}
