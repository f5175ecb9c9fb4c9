package firmware

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pierrec/lz4/v4"
	_ "modernc.org/sqlite"
)

// cacheFreshness is the window after which a cached DFUUpdateInfo is
// considered stale and a forced refresh is required.
const cacheFreshness = 12 * time.Hour

// Cache is the injected persistence capability for firmware metadata and
// downloaded images.
type Cache interface {
	GetUpdateInfo(vendorID, productID uint32) (*DFUUpdateInfo, bool)
	PutUpdateInfo(vendorID, productID uint32, info *DFUUpdateInfo) error
	GetImage(vendorID, productID uint32) ([]byte, bool)
	PutImage(vendorID, productID uint32, data []byte) error
	IsFresh(vendorID, productID uint32) bool
}

func dfuInfoKey(vendorID, productID uint32) string {
	sum := md5.Sum([]byte(fmt.Sprintf("dfuInfo_%d_%d", vendorID, productID)))
	return hex.EncodeToString(sum[:])
}

func imageDataKey(vendorID, productID uint32) string {
	sum := md5.Sum([]byte(fmt.Sprintf("imageData_%d_%d", vendorID, productID)))
	return hex.EncodeToString(sum[:])
}

type cacheRow struct {
	value     []byte
	updatedAt time.Time
}

// sqliteCache is the default Cache: an in-memory golang-lru front tier over
// a modernc.org/sqlite-backed key/value table, with stored image blobs
// lz4-compressed.
type sqliteCache struct {
	db    *sql.DB
	front *lru.Cache
}

// NewSQLiteCache opens (creating if necessary) a cache database at path.
// Pass ":memory:" for an ephemeral cache.
func NewSQLiteCache(path string) (Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS firmware_cache (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	front, err := lru.New(64)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &sqliteCache{db: db, front: front}, nil
}

func (c *sqliteCache) get(key string) (cacheRow, bool) {
	if v, ok := c.front.Get(key); ok {
		return v.(cacheRow), true
	}
	var value []byte
	var updatedAtUnix int64
	err := c.db.QueryRow(`SELECT value, updated_at FROM firmware_cache WHERE key = ?`, key).Scan(&value, &updatedAtUnix)
	if err != nil {
		return cacheRow{}, false
	}
	row := cacheRow{value: value, updatedAt: time.Unix(updatedAtUnix, 0)}
	c.front.Add(key, row)
	return row, true
}

func (c *sqliteCache) put(key string, value []byte) error {
	now := time.Now()
	_, err := c.db.Exec(`INSERT INTO firmware_cache (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now.Unix())
	if err != nil {
		return err
	}
	c.front.Add(key, cacheRow{value: value, updatedAt: now})
	return nil
}

func (c *sqliteCache) GetUpdateInfo(vendorID, productID uint32) (*DFUUpdateInfo, bool) {
	row, ok := c.get(dfuInfoKey(vendorID, productID))
	if !ok {
		return nil, false
	}
	var info DFUUpdateInfo
	if err := json.Unmarshal(row.value, &info); err != nil {
		return nil, false
	}
	return &info, true
}

func (c *sqliteCache) PutUpdateInfo(vendorID, productID uint32, info *DFUUpdateInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.put(dfuInfoKey(vendorID, productID), data)
}

func (c *sqliteCache) GetImage(vendorID, productID uint32) ([]byte, bool) {
	row, ok := c.get(imageDataKey(vendorID, productID))
	if !ok {
		return nil, false
	}
	decompressed, err := lz4Decompress(row.value)
	if err != nil {
		return nil, false
	}
	return decompressed, true
}

func (c *sqliteCache) PutImage(vendorID, productID uint32, data []byte) error {
	compressed, err := lz4Compress(data)
	if err != nil {
		return err
	}
	return c.put(imageDataKey(vendorID, productID), compressed)
}

func (c *sqliteCache) IsFresh(vendorID, productID uint32) bool {
	row, ok := c.get(dfuInfoKey(vendorID, productID))
	if !ok {
		return false
	}
	return time.Since(row.updatedAt) < cacheFreshness
}

func lz4Compress(data []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(data, buf)
	if err != nil {
		return nil, err
	}
	// Prefix with the original length so decompression knows the target
	// buffer size; lz4's block API does not self-describe it.
	out := make([]byte, 4+n)
	out[0] = byte(len(data) >> 24)
	out[1] = byte(len(data) >> 16)
	out[2] = byte(len(data) >> 8)
	out[3] = byte(len(data))
	copy(out[4:], buf[:n])
	return out, nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("firmware: truncated lz4 blob")
	}
	origLen := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	out := make([]byte, origLen)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
