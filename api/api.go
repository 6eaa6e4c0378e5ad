// Package api declares the two services exchanged over the wire: the client-facing
// Store service and the Vendor service each store fans out to.
package api

const (
	// MethodGetProducts is the aggregator's client-facing call.
	MethodGetProducts = "Store.GetProducts"
	// MethodGetProductBid is the call issued to every vendor node.
	MethodGetProductBid = "Vendor.GetProductBid"
)

// ProductQuery asks the store for bids on one product.
type ProductQuery struct {
	ProductName string `json:"product_name" msgpack:"product_name"`
}

// ProductInfo is one vendor's bid as reported to the store's caller.
type ProductInfo struct {
	Price    float64 `json:"price" msgpack:"price"`
	VendorID string  `json:"vendor_id" msgpack:"vendor_id"`
}

// ProductReply lists the bids that arrived, in arrival order.
type ProductReply struct {
	Products []ProductInfo `json:"products" msgpack:"products"`
}

// BidQuery asks one vendor for a price.
type BidQuery struct {
	ProductName string `json:"product_name" msgpack:"product_name"`
}

// BidReply is a vendor's answer.
type BidReply struct {
	Price    float64 `json:"price" msgpack:"price"`
	VendorID string  `json:"vendor_id" msgpack:"vendor_id"`
}

// Info converts a vendor's reply into the entry reported to the store's caller.
func (r BidReply) Info() ProductInfo {
	return ProductInfo{Price: r.Price, VendorID: r.VendorID}
}
