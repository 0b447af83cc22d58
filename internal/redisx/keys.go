package redisx

import "time"

const (
	// cart:{buyer_id} -> JSON cart
	KeyCart = "cart:%s"

	// idem:{scope}:{actor}:{key} -> JSON {fingerprint, pending | response}
	KeyIdempotency = "idem:%s:%s:%s"

	// order_status:{order_id} -> JSON status view
	KeyOrderStatus = "order_status:%s"

	// dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// stock:level:{sku_key} -> JSON stock record, display only
	KeyStockLevel = "stock:level:%s"

	// stock:low:{sku_key} set while a low-stock alert is outstanding
	KeyStockLow = "stock:low:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLStockLevel  = 10 * time.Minute
	TTLStockLow    = 24 * time.Hour
)
