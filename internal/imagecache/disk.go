package imagecache

import (
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/skeinweb/skein/internal/logging"
)

const diskExt = ".zst"

// DiskCache persists encoded image payloads, zstd-compressed, keyed by a
// blake2b digest of the URL. It survives restarts; correctness never
// depends on it, so every failure degrades to a miss.
type DiskCache struct {
	dir    string
	budget int64
	logger *logging.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	sweepMu sync.Mutex
}

// NewDiskCache prepares the cache directory.
func NewDiskCache(dir string, budget int64, logger *logging.Logger) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &DiskCache{
		dir:    dir,
		budget: budget,
		logger: logger.Named("disk"),
		enc:    enc,
		dec:    dec,
	}, nil
}

func (d *DiskCache) path(url string) string {
	sum := blake2b.Sum256([]byte(url))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:16])+diskExt)
}

// Get returns the stored payload for url, if present and readable.
func (d *DiskCache) Get(url string) ([]byte, bool) {
	raw, err := os.ReadFile(d.path(url))
	if err != nil {
		return nil, false
	}
	data, err := d.dec.DecodeAll(raw, nil)
	if err != nil {
		d.logger.Warn("corrupt disk cache entry", zap.String("url", url), zap.Error(err))
		_ = os.Remove(d.path(url))
		return nil, false
	}
	return data, true
}

// Put stores a payload and sweeps if the tier is over budget. Writes go
// through a temp file and rename so readers never see a torn entry.
func (d *DiskCache) Put(url string, data []byte) {
	compressed := d.enc.EncodeAll(data, nil)

	tmp, err := os.CreateTemp(d.dir, "put-*")
	if err != nil {
		d.logger.Warn("disk cache write failed", zap.Error(err))
		return
	}
	_, werr := tmp.Write(compressed)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmp.Name())
		d.logger.Warn("disk cache write failed", zap.Error(werr))
		return
	}
	if err := os.Rename(tmp.Name(), d.path(url)); err != nil {
		_ = os.Remove(tmp.Name())
		d.logger.Warn("disk cache rename failed", zap.Error(err))
		return
	}

	if d.budget > 0 && d.Size() > d.budget {
		d.sweep()
	}
}

type diskEntry struct {
	path    string
	size    int64
	modTime time.Time
}

// Size walks the cache directory and sums entry sizes.
func (d *DiskCache) Size() int64 {
	var mu sync.Mutex
	var total int64

	conf := fastwalk.Config{Follow: false}
	_ = fastwalk.Walk(&conf, d.dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil || de.IsDir() || filepath.Ext(path) != diskExt {
			return nil
		}
		if info, ierr := de.Info(); ierr == nil {
			mu.Lock()
			total += info.Size()
			mu.Unlock()
		}
		return nil
	})
	return total
}

// sweep deletes the oldest entries until the tier fits the budget again.
func (d *DiskCache) sweep() {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	var mu sync.Mutex
	var entries []diskEntry

	conf := fastwalk.Config{Follow: false}
	_ = fastwalk.Walk(&conf, d.dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil || de.IsDir() || filepath.Ext(path) != diskExt {
			return nil
		}
		info, ierr := de.Info()
		if ierr != nil {
			return nil
		}
		mu.Lock()
		entries = append(entries, diskEntry{path: path, size: info.Size(), modTime: info.ModTime()})
		mu.Unlock()
		return nil
	})

	var total int64
	for _, e := range entries {
		total += e.size
	}
	if total <= d.budget {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})

	removed := 0
	for _, e := range entries {
		if total <= d.budget {
			break
		}
		if err := os.Remove(e.path); err == nil {
			total -= e.size
			removed++
		}
	}
	d.logger.Debug("swept disk cache",
		zap.Int("removed", removed),
		zap.Int64("bytes", total))
}
