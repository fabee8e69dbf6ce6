// Package routing resolves free-form street addresses to a driving
// distance in kilometers. Geocoding is mandatory; the route lookup
// degrades to a haversine estimate when the routing engine is down.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/transport-broker/internal/observability"
)

// ErrUnavailable marks transient resolution failures the client may retry.
var ErrUnavailable = errors.New("routing: service unavailable")

// Coord is a WGS84 point.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Resolver turns a pair of addresses into a driving distance.
type Resolver interface {
	DistanceKM(ctx context.Context, pickupAddr, dropoffAddr string) (float64, error)
}

// Geocoder resolves a street address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, addr string) (Coord, error)
}

// Router computes driving distance in kilometers between two points.
type Router interface {
	RouteKM(ctx context.Context, from, to Coord) (float64, error)
}

// roadFactor scales straight-line distance toward a plausible road
// distance when the router is unreachable.
const roadFactor = 1.2

// Service is the production resolver: geocode both ends, route between
// them, fall back to haversine when routing fails. A geocoding failure is
// terminal because there is nothing to measure between.
type Service struct {
	Geocoder Geocoder
	Router   Router
	Logger   *slog.Logger
}

func NewService(g Geocoder, r Router, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Geocoder: g, Router: r, Logger: logger}
}

func (s *Service) DistanceKM(ctx context.Context, pickupAddr, dropoffAddr string) (float64, error) {
	from, err := s.Geocoder.Geocode(ctx, pickupAddr)
	if err != nil {
		return 0, fmt.Errorf("%w: geocode pickup: %v", ErrUnavailable, err)
	}
	to, err := s.Geocoder.Geocode(ctx, dropoffAddr)
	if err != nil {
		return 0, fmt.Errorf("%w: geocode dropoff: %v", ErrUnavailable, err)
	}

	km, err := s.Router.RouteKM(ctx, from, to)
	if err != nil {
		km = HaversineKM(from, to) * roadFactor
		observability.RoutingFallbacksTotal.Inc()
		s.Logger.Warn("route lookup failed, using haversine estimate",
			"err", err, "estimate_km", km)
	}
	return km, nil
}

// HaversineKM is the great-circle distance between two points in km.
func HaversineKM(a, b Coord) float64 {
	const earthRadiusKM = 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKM * c
}
