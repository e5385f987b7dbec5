package models

import (
	"encoding/json"
	"time"
)

// Order is a normalized marketplace order. Rows are created and updated only
// by the sync orchestrator via upsert keyed on (marketplace, external_id);
// they are never deleted and status transitions overwrite in place.
type Order struct {
	ID          int64  `db:"id" json:"id"`
	Marketplace string `db:"marketplace" json:"marketplace"`
	ExternalID  string `db:"external_id" json:"externalId"`
	Status      string `db:"status" json:"status"`

	CreatedTime time.Time `db:"created_time" json:"createdTime"`
	UpdatedTime time.Time `db:"updated_time" json:"updatedTime"`

	Currency   string  `db:"currency" json:"currency"`
	GrossValue float64 `db:"gross_value" json:"grossValue"`

	ShippingCarrier string `db:"shipping_carrier" json:"shippingCarrier,omitempty"`
	RecipientName   string `db:"recipient_name" json:"recipientName,omitempty"`
	RecipientCity   string `db:"recipient_city" json:"recipientCity,omitempty"`
	RecipientState  string `db:"recipient_state" json:"recipientState,omitempty"`

	// Fee-relevant order attributes: the free-shipping program swaps the
	// commission rate, campaign orders additionally pay the campaign fee.
	UsesFreeShipping bool `db:"uses_free_shipping" json:"usesFreeShipping"`
	IsCampaignOrder  bool `db:"is_campaign_order" json:"isCampaignOrder"`

	// Settlement figures filled from the platform's escrow/settlement
	// detail when the connector exposes one. Nil means "not fetched yet",
	// not zero.
	EscrowAmount  *float64 `db:"escrow_amount" json:"escrowAmount,omitempty"`
	SellerVoucher *float64 `db:"seller_voucher" json:"sellerVoucher,omitempty"`
	AffiliateFee  *float64 `db:"affiliate_fee" json:"affiliateFee,omitempty"`

	RawPayload json.RawMessage `db:"raw_payload" json:"rawPayload,omitempty"`
}

// OrderItem belongs to exactly one Order. Uniqueness key is
// (marketplace, external order id, item id, variant id). Orphan items are
// not purged; the item model is additive only.
type OrderItem struct {
	ID          int64  `db:"id" json:"id"`
	Marketplace string `db:"marketplace" json:"marketplace"`
	OrderExtID  string `db:"order_external_id" json:"orderExternalId"`
	ItemID      string `db:"item_id" json:"itemId"`
	VariantID   string `db:"variant_id" json:"variantId"`

	Name            string  `db:"name" json:"name"`
	SKU             string  `db:"sku" json:"sku,omitempty"`
	Quantity        int     `db:"quantity" json:"quantity"`
	OriginalPrice   float64 `db:"original_price" json:"originalPrice"`
	DiscountedPrice float64 `db:"discounted_price" json:"discountedPrice"`
	IsKit           bool    `db:"is_kit" json:"isKit"`
	IsWholesale     bool    `db:"is_wholesale" json:"isWholesale"`
}
