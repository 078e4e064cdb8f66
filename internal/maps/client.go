// README: Google Maps client: address geocoding for ride requests and driving ETA for dispatch.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"googlemaps.github.io/maps"

	"campusride/internal/types"
)

var errNoRoute = errors.New("no route found")

// Client wraps the Google Maps geocoding and directions APIs.
type Client struct {
	client   *maps.Client
	language string
	region   string
}

type Option func(*options)

type options struct {
	baseURL  string
	language string
	region   string
}

// WithBaseURL points the client at another endpoint, e.g. a test server.
func WithBaseURL(u string) Option { return func(o *options) { o.baseURL = u } }

// WithRegion biases geocoding results, e.g. "TW".
func WithRegion(language, region string) Option {
	return func(o *options) {
		o.language = language
		o.region = region
	}
}

func NewClient(apiKey string, opts ...Option) (*Client, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	clientOpts := []maps.ClientOption{maps.WithAPIKey(apiKey)}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, maps.WithBaseURL(o.baseURL))
	}
	client, err := maps.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Client{client: client, language: o.language, region: o.region}, nil
}

// Geocode resolves an address to its first match. Unknown addresses return types.ErrNotFound.
func (c *Client) Geocode(ctx context.Context, address string) (types.Point, error) {
	results, err := c.client.Geocode(ctx, &maps.GeocodingRequest{
		Address:  address,
		Language: c.language,
		Region:   c.region,
	})
	if err != nil {
		if strings.Contains(err.Error(), "ZERO_RESULTS") {
			return types.Point{}, types.NewNotFoundError("address", types.ID(address))
		}
		return types.Point{}, fmt.Errorf("geocoding api error: %w", err)
	}
	if len(results) == 0 {
		return types.Point{}, types.NewNotFoundError("address", types.ID(address))
	}
	loc := results[0].Geometry.Location
	return types.Point{Lat: loc.Lat, Lng: loc.Lng}, nil
}

// TravelEstimate returns the driving duration between two coordinates.
func (c *Client) TravelEstimate(ctx context.Context, from, to types.Point) (time.Duration, error) {
	routes, _, err := c.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
		Language:    c.language,
		Region:      c.region,
	})
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, errNoRoute
	}
	return routes[0].Legs[0].Duration, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}
