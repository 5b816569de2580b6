package models

import (
	"strings"
	"time"
)

// Жизненный цикл заказа (packing slip) в дашборде.
const (
	OrderStatusNewOrder           = "new_order"
	OrderStatusDigitizing         = "digitizing"
	OrderStatusReadyForProduction = "ready_for_production"
	OrderStatusInProduction       = "in_production"
	OrderStatusQualityCheck       = "quality_check"
	OrderStatusReadyToShip        = "ready_to_ship"
	OrderStatusShipped            = "shipped"
	OrderStatusDelivered          = "delivered"
)

// DeliveredStatusText is the canonical terminal tracking status. It is stored
// without a carrier event suffix so the delivered check stays an equals match.
const DeliveredStatusText = "Delivered"

type PackingSlip struct {
	ID             uint64
	OrderID        string
	Status         string
	TrackingIDs    string // comma-separated, first one is primary
	TrackingVendor string
	TrackingStatus string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func SplitTrackingIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// PrimaryTrackingNumber возвращает первый номер из tracking_ids.
// Статус запрашивается только по нему, остальные номера лишь регистрируются.
func PrimaryTrackingNumber(raw string) string {
	ids := SplitTrackingIDs(raw)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// IsDeliveredStatus reports whether a stored tracking status is terminal.
func IsDeliveredStatus(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), DeliveredStatusText)
}


