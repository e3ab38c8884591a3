package dynamotest

// Table and index names used by NewStorefront. They match the names the
// deployment template creates.
const (
	ProductsTable = "products"
	ShardsTable   = "stock_shards"
	HoldsTable    = "holds"
	OrdersTable   = "orders"
	EventsTable   = "processed_events"

	HoldsByStatusIndex     = "status-expires_at-index"
	HoldsRestockDueIndex   = "status-restock_due_at-index"
	OrdersByReferenceIndex = "payment_reference-index"
)

// NewStorefront returns a Fake with every storefront table created.
func NewStorefront() *Fake {
	f := New()
	f.CreateTable(ProductsTable, "product_id")
	f.CreateTable(ShardsTable, "shard_id")
	f.CreateTable(HoldsTable, "hold_id")
	f.CreateIndex(HoldsTable, HoldsByStatusIndex, "status", "expires_at")
	f.CreateIndex(HoldsTable, HoldsRestockDueIndex, "status", "restock_due_at")
	f.CreateTable(OrdersTable, "order_id")
	f.CreateIndex(OrdersTable, OrdersByReferenceIndex, "payment_reference", "")
	f.CreateTable(EventsTable, "event_id")
	return f
}
