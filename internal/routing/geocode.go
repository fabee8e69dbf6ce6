package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// NominatimClient geocodes addresses against a Nominatim-compatible
// endpoint. Public instances require a descriptive User-Agent.
type NominatimClient struct {
	Endpoint  string
	UserAgent string
	Country   string
	Client    *http.Client
}

func NewNominatimClient(endpoint, userAgent string) *NominatimClient {
	return &NominatimClient{
		Endpoint:  endpoint,
		UserAgent: userAgent,
		Country:   "fi",
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *NominatimClient) Geocode(ctx context.Context, addr string) (Coord, error) {
	q := url.Values{}
	q.Set("q", addr)
	q.Set("format", "json")
	q.Set("limit", "1")
	if n.Country != "" {
		q.Set("countrycodes", n.Country)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/search?"+q.Encode(), nil)
	if err != nil {
		return Coord{}, err
	}
	req.Header.Set("User-Agent", n.UserAgent)

	resp, err := n.Client.Do(req)
	if err != nil {
		return Coord{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Coord{}, fmt.Errorf("geocoder status %d", resp.StatusCode)
	}

	var hits []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return Coord{}, err
	}
	if len(hits) == 0 {
		return Coord{}, fmt.Errorf("no match for %q", addr)
	}
	lat, err := strconv.ParseFloat(hits[0].Lat, 64)
	if err != nil {
		return Coord{}, err
	}
	lon, err := strconv.ParseFloat(hits[0].Lon, 64)
	if err != nil {
		return Coord{}, err
	}
	return Coord{Lat: lat, Lon: lon}, nil
}
