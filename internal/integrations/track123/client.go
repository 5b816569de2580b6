package track123

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/orderhub/tracksync/internal/integrations/carrier"
	"github.com/pkg/errors"
)

const (
	defaultBaseURL = "https://api.track123.com"
	queryPath      = "/gateway/open-api/tk/v2/track/query"
	importPath     = "/gateway/open-api/tk/v2/track/import"

	apiSecretHeader = "Track123-Api-Secret"

	statusNotAvailable = "Status not available"
)

// KeyProvider supplies the gateway API secret. Returning an empty key with a
// nil error means the integration is not configured yet.
type KeyProvider interface {
	TrackingAPIKey(ctx context.Context) (string, error)
}

// StaticKey is a KeyProvider over a fixed key (config or tests).
type StaticKey string

func (k StaticKey) TrackingAPIKey(_ context.Context) (string, error) {
	return string(k), nil
}

// KeyChain returns the first non-empty key of its providers.
type KeyChain []KeyProvider

func (c KeyChain) TrackingAPIKey(ctx context.Context) (string, error) {
	for _, p := range c {
		key, err := p.TrackingAPIKey(ctx)
		if err != nil {
			return "", err
		}
		if key != "" {
			return key, nil
		}
	}
	return "", nil
}

type Client struct {
	baseURL string
	keys    KeyProvider
	httpc   *http.Client
}

func New(baseURL string, keys KeyProvider) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		keys:    keys,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.httpc.Timeout = d
	}
	return c
}

// Порядок важен: ниже prefix match по transitStatus, как и раньше отдаёт шлюз.
var transitStatusText = []struct {
	code string
	text string
}{
	{"DELIVERED", "Delivered"},
	{"IN_TRANSIT", "In Transit"},
	{"INFO_RECEIVED", "Info Received"},
	{"WAITING_DELIVERY", "Out for Delivery"},
	{"DELIVERY_FAILED", "Delivery Failed"},
	{"EXCEPTION", "Exception"},
}

type trackContent struct {
	TrackNo            string `json:"trackNo"`
	TransitStatus      string `json:"transitStatus"`
	TransitSubStatus   string `json:"transitSubStatus"`
	LocalLogisticsInfo struct {
		TrackingDetails []struct {
			EventDetail string `json:"eventDetail"`
			EventTime   string `json:"eventTime"`
		} `json:"trackingDetails"`
	} `json:"localLogisticsInfo"`
}

type queryResp struct {
	Data struct {
		Accepted struct {
			Content []trackContent `json:"content"`
		} `json:"accepted"`
	} `json:"data"`
}

type apiError struct {
	Msg     string `json:"msg"`
	Message string `json:"message"`
	ErrText string `json:"error"`
}

func (c *Client) QueryStatus(ctx context.Context, vendor carrier.Vendor, trackNumber string) (carrier.TrackingResult, error) {
	trackNumber = strings.TrimSpace(trackNumber)
	if trackNumber == "" {
		return carrier.TrackingResult{}, carrier.NewQueryError(carrier.FailProtocol, errors.New("tracking number is required"))
	}

	key, err := c.keys.TrackingAPIKey(ctx)
	if err != nil {
		return carrier.TrackingResult{}, carrier.NewQueryError(carrier.FailTransient, errors.Wrap(err, "load api key"))
	}
	if key == "" {
		return carrier.TrackingResult{}, carrier.NewQueryError(carrier.FailConfigMissing, errors.New("tracking api key is not configured"))
	}

	body, err := json.Marshal(map[string][]string{"trackNos": {trackNumber}})
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "marshal query body")
	}

	resp, err := c.post(ctx, queryPath, key, body)
	if err != nil {
		return carrier.TrackingResult{}, carrier.NewQueryError(carrier.FailTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return carrier.TrackingResult{}, carrier.NewQueryError(carrier.FailProtocol, errors.Errorf("track123: %s", readAPIError(resp)))
	}

	var qr queryResp
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return carrier.TrackingResult{}, carrier.NewQueryError(carrier.FailProtocol, errors.Wrap(err, "decode query response"))
	}

	content := qr.Data.Accepted.Content
	if len(content) == 0 {
		// Шлюз ещё не знает номер (например, импорт не успел примениться).
		return carrier.TrackingResult{StatusText: statusNotAvailable}, nil
	}
	return normalize(content[0], vendor), nil
}

func normalize(item trackContent, vendor carrier.Vendor) carrier.TrackingResult {
	statusText := ""
	delivered := false

	if item.TransitStatus != "" {
		for _, m := range transitStatusText {
			if strings.HasPrefix(item.TransitStatus, m.code) {
				statusText = m.text
				break
			}
		}
		if statusText == "" {
			statusText = item.TransitStatus
		}
		delivered = statusText == "Delivered"

		// Терминальный статус пишем без суффикса события, иначе equals-проверка
		// доставленных заказов перестанет его узнавать.
		if !delivered {
			if det := latestEventDetail(item); det != "" {
				statusText = statusText + " - " + det
			}
		}
		return carrier.TrackingResult{StatusText: statusText, IsDelivered: delivered}
	}

	statusText = strings.TrimSpace(item.TransitSubStatus)
	if statusText == "" {
		statusText = statusNotAvailable
	}
	if vendor.DeliveredText(statusText) {
		return carrier.TrackingResult{StatusText: "Delivered", IsDelivered: true}
	}
	return carrier.TrackingResult{StatusText: statusText}
}

func latestEventDetail(item trackContent) string {
	details := item.LocalLogisticsInfo.TrackingDetails
	if len(details) == 0 {
		return ""
	}
	return strings.TrimSpace(details[0].EventDetail)
}

type importItem struct {
	TrackNo     string `json:"trackNo"`
	CourierCode string `json:"courierCode"`
}

// RegisterNumbers imports every tracking number of an order into the gateway.
// Queries later use only the primary number, but all of them get registered.
func (c *Client) RegisterNumbers(ctx context.Context, vendor carrier.Vendor, trackNumbers []string) error {
	key, err := c.keys.TrackingAPIKey(ctx)
	if err != nil {
		return carrier.NewQueryError(carrier.FailTransient, errors.Wrap(err, "load api key"))
	}
	if key == "" {
		return carrier.NewQueryError(carrier.FailConfigMissing, errors.New("tracking api key is not configured"))
	}

	payload := make([]importItem, 0, len(trackNumbers))
	for _, tn := range trackNumbers {
		tn = strings.TrimSpace(tn)
		if tn == "" {
			continue
		}
		payload = append(payload, importItem{TrackNo: tn, CourierCode: vendor.Code()})
	}
	if len(payload) == 0 {
		return carrier.NewQueryError(carrier.FailProtocol, errors.New("no valid tracking numbers"))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal import body")
	}

	resp, err := c.post(ctx, importPath, key, body)
	if err != nil {
		return carrier.NewQueryError(carrier.FailTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return carrier.NewQueryError(carrier.FailProtocol, errors.Errorf("track123: %s", readAPIError(resp)))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, key string, body []byte) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set(apiSecretHeader, key)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	return resp, nil
}

func readAPIError(resp *http.Response) string {
	fallback := fmt.Sprintf("gateway returned status %d", resp.StatusCode)

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil {
		return fallback
	}
	var ae apiError
	if json.Unmarshal(b, &ae) == nil {
		for _, m := range []string{ae.Msg, ae.Message, ae.ErrText} {
			if m != "" {
				return m
			}
		}
	}
	return fallback
}


