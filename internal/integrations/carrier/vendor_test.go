package carrier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVendor(t *testing.T) {
	v, err := ParseVendor("fedex")
	require.NoError(t, err)
	require.Equal(t, VendorFedEx, v)

	v, err = ParseVendor("  UPS ")
	require.NoError(t, err)
	require.Equal(t, VendorUPS, v)

	v, err = ParseVendor("Usps")
	require.NoError(t, err)
	require.Equal(t, VendorUSPS, v)

	_, err = ParseVendor("dhl")
	require.ErrorContains(t, err, "unknown tracking vendor")
	_, err = ParseVendor("")
	require.Error(t, err)
}

func TestVendor_DeliveredText(t *testing.T) {
	require.True(t, VendorFedEx.DeliveredText("Delivered, Front Door"))
	require.True(t, VendorUSPS.DeliveredText("delivered to mailbox"))
	require.True(t, VendorUPS.DeliveredText("Delivered"))
	require.True(t, VendorUPS.DeliveredText(" delivered "))

	// Самовывоз из Access Point не является вручением.
	require.False(t, VendorUPS.DeliveredText("Delivered to UPS Access Point"))
	require.False(t, VendorFedEx.DeliveredText("In Transit"))
	require.False(t, VendorUSPS.DeliveredText(""))
}

func TestKindOf(t *testing.T) {
	require.Equal(t, FailNone, KindOf(nil))
	require.Equal(t, FailTransient, KindOf(errors.New("plain")))

	qe := NewQueryError(FailConfigMissing, errors.New("no key"))
	require.Equal(t, FailConfigMissing, KindOf(qe))
	require.Equal(t, "no key", qe.Error())

	// Classification survives wrapping.
	wrapped := &wrapErr{inner: qe}
	require.Equal(t, FailConfigMissing, KindOf(wrapped))
}

type wrapErr struct{ inner error }

func (w *wrapErr) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrapErr) Unwrap() error { return w.inner }


