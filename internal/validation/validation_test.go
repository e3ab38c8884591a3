package validation

import (
	"testing"
)

func validRequest() CheckoutRequest {
	return CheckoutRequest{
		OrderID: "order-123",
		Items: []Item{
			{ProductID: "sku-1", Quantity: 2},
			{ProductID: "sku-2", Quantity: 1},
		},
		ShippingAddress: Address{
			Name:       "Ada Lovelace",
			Line1:      "12 St James's Square",
			City:       "London",
			PostalCode: "SW1Y 4JH",
			Country:    "GB",
		},
	}
}

func TestCheckoutRequest_Valid(t *testing.T) {
	v := New()
	if err := v.Struct(validRequest()); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestCheckoutRequest_Invalid(t *testing.T) {
	v := New()

	tests := []struct {
		name   string
		mutate func(*CheckoutRequest)
	}{
		{name: "missing order id", mutate: func(r *CheckoutRequest) { r.OrderID = "" }},
		{name: "empty cart", mutate: func(r *CheckoutRequest) { r.Items = nil }},
		{name: "zero quantity", mutate: func(r *CheckoutRequest) { r.Items[0].Quantity = 0 }},
		{name: "duplicate product", mutate: func(r *CheckoutRequest) { r.Items[1].ProductID = "sku-1" }},
		{name: "bad country", mutate: func(r *CheckoutRequest) { r.ShippingAddress.Country = "GBR" }},
		{name: "missing city", mutate: func(r *CheckoutRequest) { r.ShippingAddress.City = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			if err := v.Struct(req); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestFieldErrors_UsesJSONPaths(t *testing.T) {
	v := New()
	req := validRequest()
	req.Items[1].Quantity = 0
	req.ShippingAddress.Country = "GBR"

	got := FieldErrors(v.Struct(req))
	want := map[string]string{
		"items[1].quantity":        "required",
		"shipping_address.country": "len=2",
	}
	for path, rule := range want {
		if got[path] != rule {
			t.Fatalf("%s: expected %q, got %q (all: %v)", path, rule, got[path], got)
		}
	}
}
