package tracing

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for tile pipeline operations
const (
	// Tile attributes
	AttrTileX         = "charon.tile.x"
	AttrTileY         = "charon.tile.y"
	AttrTileZ         = "charon.tile.z"
	AttrTileserver    = "charon.tile.tileserver"

	// External service attributes
	AttrServiceName      = "charon.service.name"
	AttrServiceOperation = "charon.service.operation"
	AttrServiceURL       = "charon.service.url"
	AttrServiceStatus    = "charon.service.status"

	// Cache attributes
	AttrCacheType = "charon.cache.type"
	AttrCacheHit  = "charon.cache.hit"
	AttrCacheKey  = "charon.cache.key"

	// Rate limiting attributes
	AttrRateLimitService = "charon.ratelimit.service"
	AttrRateLimitWaitMs  = "charon.ratelimit.wait_ms"

	// Region catalog attributes
	AttrRegionID   = "charon.region.id"
	AttrRegionName = "charon.region.name"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// Status values
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusRateLimited = "rate_limited"
)

// Service names
const (
	ServiceTileserver   = "tileserver"
	ServiceRegionServer = "region_catalog_server"
)

// Cache types
const (
	CacheTypeMemory = "memory"
	CacheTypeFS     = "filesystem"
)

// TileAttributes returns attributes for a single tile operation.
func TileAttributes(tileserver string, x, y, z int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTileserver, tileserver),
		attribute.Int(AttrTileX, x),
		attribute.Int(AttrTileY, y),
		attribute.Int(AttrTileZ, z),
	}
}

// ServiceAttributes returns attributes for external service calls.
func ServiceAttributes(service, operation, url string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrServiceName, service),
		attribute.String(AttrServiceOperation, operation),
		attribute.String(AttrServiceURL, url),
		attribute.Int(AttrServiceStatus, status),
	}
}

// CacheAttributes returns attributes for cache operations.
func CacheAttributes(cacheType string, hit bool, key string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCacheType, cacheType),
		attribute.Bool(AttrCacheHit, hit),
		attribute.String(AttrCacheKey, key),
	}
}

// RegionAttributes returns attributes for a region catalog operation.
func RegionAttributes(id int64, name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrRegionID, id),
		attribute.String(AttrRegionName, name),
	}
}

// ErrorAttributes returns attributes for errors.
func ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, "error"),
		attribute.String(AttrErrorMessage, err.Error()),
	}
}
