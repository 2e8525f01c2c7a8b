package redisx

import "time"

const (
	// Idempotency for POST /orders: idem:order:create:{key} -> "pending" | order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Receipt cache: order_receipt:{order_id} -> receipt JSON. Orders never
	// change, so the entry never goes stale.
	KeyOrderReceipt = "order_receipt:%s"

	// Product read cache: product:{id} -> product JSON. Display only; stock
	// decisions always read the locked row.
	KeyProduct = "product:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

const IdemPending = "pending"

var (
	TTLIdempotency  = 24 * time.Hour
	TTLReceiptCache = 1 * time.Hour
	TTLProductCache = 30 * time.Second
	TTLDedup        = 48 * time.Hour
)
