package coingecko

import "net/http"

// headerTransport stamps every outgoing request with the client identity and
// the optional demo API key.
type headerTransport struct {
	agent  string
	apiKey string
	base   http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", t.apiKey)
	}
	return t.base.RoundTrip(req)
}
