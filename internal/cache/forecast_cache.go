package cache

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"demand-forecast/internal/models"
	"demand-forecast/pkg/metrics"
)

// ForecastKey identifies a forecast by user and by the exact rows it was computed from
type ForecastKey struct {
	UserID      int64
	Fingerprint uint64
}

// Fingerprint hashes records in order. Any change to a row changes the
// fingerprint, so a cached result is never served for different input.
func Fingerprint(records []models.RawRecord) uint64 {
	d := xxhash.New()
	for _, rec := range records {
		d.WriteString(rec.Date)
		d.Write([]byte{0})
		d.WriteString(rec.ProductName)
		d.Write([]byte{0})
		d.WriteString(rec.Quantity)
		d.Write([]byte{'\n'})
	}
	d.WriteString(strconv.Itoa(len(records)))
	return d.Sum64()
}

// ForecastCache holds computed forecast results per user and input fingerprint
type ForecastCache struct {
	lru     *LRUWithTTL[ForecastKey, models.ForecastResult]
	metrics *metrics.Collector
}

// NewForecastCache creates a forecast cache of at most size entries.
// metricsCollector may be nil.
func NewForecastCache(size int, ttl time.Duration, metricsCollector *metrics.Collector) (*ForecastCache, error) {
	entries, err := NewLRUWithTTL[ForecastKey, models.ForecastResult](size, ttl)
	if err != nil {
		return nil, err
	}
	return &ForecastCache{lru: entries, metrics: metricsCollector}, nil
}

// Lookup returns the result cached for userID and exactly these records
func (c *ForecastCache) Lookup(userID int64, records []models.RawRecord) (models.ForecastResult, bool) {
	result, ok := c.Get(ForecastKey{UserID: userID, Fingerprint: Fingerprint(records)})
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ok, c.lru.Stats().HitRate)
	}
	return result, ok
}

// Store caches result for userID and records
func (c *ForecastCache) Store(userID int64, records []models.RawRecord, result models.ForecastResult) {
	c.Set(ForecastKey{UserID: userID, Fingerprint: Fingerprint(records)}, result)
}

// Get returns a copy of the cached result for key
func (c *ForecastCache) Get(key ForecastKey) (models.ForecastResult, bool) {
	result, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return copyResult(result), true
}

// Set stores a copy of result under key
func (c *ForecastCache) Set(key ForecastKey, result models.ForecastResult) {
	c.lru.Set(key, copyResult(result))
}

// InvalidateUser drops every cached result of userID
func (c *ForecastCache) InvalidateUser(userID int64) int {
	return c.lru.DeleteFunc(func(key ForecastKey) bool { return key.UserID == userID })
}

// Stats returns the statistics of the underlying cache
func (c *ForecastCache) Stats() Stats {
	return c.lru.Stats()
}

// CleanupExpired removes expired results
func (c *ForecastCache) CleanupExpired() int {
	return c.lru.CleanupExpired()
}

func copyResult(result models.ForecastResult) models.ForecastResult {
	out := make(models.ForecastResult, len(result))
	for product, outcome := range result {
		out[product] = outcome
	}
	return out
}
