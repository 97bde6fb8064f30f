package metrics

import (
	"net/http"
	"strconv"
)

var usedWeightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
}

// ParseUsedWeight returns the first numeric used-weight header Binance set.
func ParseUsedWeight(h http.Header) (window string, used float64, ok bool) {
	for _, uw := range usedWeightHeaders {
		value := h.Get(uw.key)
		if value == "" {
			continue
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		return uw.window, v, true
	}
	return "", 0, false
}

// UsedWeightTransport records Binance request weight from every response
// passing through it.
type UsedWeightTransport struct {
	Base    http.RoundTripper
	Metrics *Metrics
}

func (t *UsedWeightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if window, used, ok := ParseUsedWeight(resp.Header); ok {
		t.Metrics.SetUsedWeight(window, used)
	}
	return resp, nil
}
