package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// ErrNoRoute means the routing engine answered but found no path.
var ErrNoRoute = errors.New("eta: no route")

const osrmTimeout = 2 * time.Second

// OSRMClient asks an OSRM server for driving durations.
type OSRMClient struct {
	base *url.URL
	http *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		base = &url.URL{Path: endpoint}
	}
	return &OSRMClient{base: base, http: &http.Client{Timeout: osrmTimeout}}
}

type osrmRoute struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (o *OSRMClient) routeURL(from, to models.Coord) string {
	u := *o.base
	// coordinates go lon,lat
	u.Path += fmt.Sprintf("/route/v1/driving/%.6f,%.6f;%.6f,%.6f", from.Lon, from.Lat, to.Lon, to.Lat)
	u.RawQuery = url.Values{"overview": {"false"}}.Encode()
	return u.String()
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.routeURL(from, to), nil)
	if err != nil {
		return 0, fmt.Errorf("build osrm request: %w", err)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()

	var out osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode osrm response (status %d): %w", resp.StatusCode, err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("%w: %s %s", ErrNoRoute, out.Code, out.Message)
	}
	return out.Routes[0].Duration, nil
}
