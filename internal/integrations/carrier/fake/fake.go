package fake

import (
	"context"
	"hash/fnv"

	"github.com/orderhub/tracksync/internal/integrations/carrier"
	"github.com/orderhub/tracksync/internal/models"
)

// FakeClient — детерминированная заглушка провайдера для дев-окружения и тестов.
// Статус выводится из hash(vendor|number): каждый пятый номер считается доставленным.
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) QueryStatus(ctx context.Context, vendor carrier.Vendor, trackNumber string) (carrier.TrackingResult, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vendor.Code()))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackNumber))
	v := h.Sum32()

	if v%5 == 0 {
		return carrier.TrackingResult{
			StatusText:  models.DeliveredStatusText,
			IsDelivered: true,
		}, nil
	}
	return carrier.TrackingResult{
		StatusText: "In Transit - fake carrier update",
	}, nil
}

func (f *FakeClient) RegisterNumbers(ctx context.Context, vendor carrier.Vendor, trackNumbers []string) error {
	return nil
}


