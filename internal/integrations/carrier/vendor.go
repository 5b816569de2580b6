package carrier

import (
	"strings"

	"github.com/pkg/errors"
)

// Vendor — закрытый набор перевозчиков, которые встречаются в заказах.
type Vendor string

const (
	VendorFedEx Vendor = "fedex"
	VendorUPS   Vendor = "ups"
	VendorUSPS  Vendor = "usps"
)

func ParseVendor(s string) (Vendor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(VendorFedEx):
		return VendorFedEx, nil
	case string(VendorUPS):
		return VendorUPS, nil
	case string(VendorUSPS):
		return VendorUSPS, nil
	default:
		return "", errors.Errorf("unknown tracking vendor %q", s)
	}
}

// Code is the courier code expected by the tracking gateway.
func (v Vendor) Code() string { return string(v) }

// DeliveredText reports whether a provider display status is terminal for this
// vendor. FedEx and USPS append detail to the final scan ("Delivered, Front
// Door"), so containment is the right match. UPS reports exactly "Delivered"
// for the final scan; "Delivered to UPS Access Point" still waits for pickup.
func (v Vendor) DeliveredText(s string) bool {
	t := strings.ToLower(strings.TrimSpace(s))
	if v == VendorUPS {
		return t == "delivered"
	}
	return strings.Contains(t, "delivered")
}


