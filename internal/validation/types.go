package validation

// Item is one cart line.
type Item struct {
	ProductID string `json:"product_id" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=1000"`
}

// Address is where the order ships to.
type Address struct {
	Name       string `json:"name" validate:"required,max=200"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	Region     string `json:"region,omitempty" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,len=2,alpha"` // ISO 3166-1 alpha-2
}

// CheckoutRequest is the payload for POST /checkout.
type CheckoutRequest struct {
	OrderID         string  `json:"order_id" validate:"required,printascii,max=64"` // caller-chosen, makes retries idempotent
	Items           []Item  `json:"items" validate:"required,min=1,max=50,dive"`
	ShippingAddress Address `json:"shipping_address" validate:"required"`
}
