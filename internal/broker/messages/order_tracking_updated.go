package messages

import "time"

type OrderTrackingUpdated struct {
	PackingSlipID  uint64 `json:"packing_slip_id"`
	OrderID        string `json:"order_id"`
	TrackingNumber string `json:"tracking_number"`

	OldStatus   string `json:"old_status"`
	NewStatus   string `json:"new_status"`
	IsDelivered bool   `json:"is_delivered"`

	CheckedAt time.Time `json:"checked_at"`
}


