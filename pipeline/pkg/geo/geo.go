// Package geo provides the coordinate math used by the geocoding stage:
// haversine distances and pre-computed bounding boxes for Brazilian states
// and major cities.
package geo

import (
	"math"
	"strings"
)

const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Bounds is a lat/lng bounding box.
type Bounds struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// Contains reports whether the point lies inside the box.
func (b Bounds) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// Center returns the box midpoint.
func (b Bounds) Center() (lat, lng float64) {
	return (b.MinLat + b.MaxLat) / 2, (b.MinLng + b.MaxLng) / 2
}

// stateBounds covers the 26 states plus the federal district.
var stateBounds = map[string]Bounds{
	"AC": {-11.15, -7.12, -74.00, -66.62},
	"AL": {-10.50, -8.81, -38.24, -35.15},
	"AP": {-1.24, 4.44, -54.88, -49.87},
	"AM": {-9.82, 2.25, -73.80, -56.10},
	"BA": {-18.35, -8.53, -46.62, -37.34},
	"CE": {-7.86, -2.78, -41.42, -37.25},
	"DF": {-16.05, -15.50, -48.29, -47.31},
	"ES": {-21.30, -17.89, -41.88, -39.66},
	"GO": {-19.50, -12.39, -53.25, -45.90},
	"MA": {-10.26, -1.04, -48.75, -41.79},
	"MT": {-18.04, -7.35, -61.63, -50.22},
	"MS": {-24.07, -17.17, -58.17, -50.92},
	"MG": {-22.92, -14.23, -51.05, -39.86},
	"PA": {-9.84, 2.59, -58.90, -46.06},
	"PB": {-8.30, -6.02, -38.77, -34.79},
	"PR": {-26.72, -22.52, -54.62, -48.02},
	"PE": {-9.48, -3.83, -41.36, -32.39},
	"PI": {-10.93, -2.74, -45.99, -40.37},
	"RJ": {-23.37, -20.76, -44.89, -40.96},
	"RN": {-6.98, -4.83, -38.58, -34.97},
	"RS": {-33.75, -27.08, -57.64, -49.69},
	"RO": {-13.69, -7.97, -66.81, -59.77},
	"RR": {-1.58, 5.27, -64.82, -58.89},
	"SC": {-29.35, -25.96, -53.84, -48.36},
	"SP": {-25.31, -19.78, -53.11, -44.16},
	"SE": {-11.57, -9.51, -38.25, -36.39},
	"TO": {-13.47, -5.17, -50.74, -45.70},
}

// cityBounds covers the capitals and a handful of large interior cities.
// Keys are uppercased ASCII city names.
var cityBounds = map[string]Bounds{
	"SAO PAULO":      {-24.01, -23.36, -46.83, -46.36},
	"RIO DE JANEIRO": {-23.08, -22.74, -43.80, -43.10},
	"BELO HORIZONTE": {-20.06, -19.78, -44.06, -43.86},
	"BRASILIA":       {-16.05, -15.50, -48.29, -47.31},
	"SALVADOR":       {-13.02, -12.80, -38.53, -38.30},
	"FORTALEZA":      {-3.89, -3.69, -38.64, -38.40},
	"RECIFE":         {-8.16, -7.93, -35.02, -34.86},
	"PORTO ALEGRE":   {-30.27, -29.93, -51.30, -51.08},
	"CURITIBA":       {-25.65, -25.35, -49.39, -49.19},
	"MANAUS":         {-3.22, -2.95, -60.11, -59.85},
	"BELEM":          {-1.52, -1.29, -48.56, -48.38},
	"GOIANIA":        {-16.83, -16.56, -49.44, -49.15},
	"CAMPINAS":       {-23.10, -22.78, -47.20, -46.96},
	"GUARULHOS":      {-23.51, -23.35, -46.59, -46.37},
	"SAO LUIS":       {-2.66, -2.46, -44.38, -44.16},
	"MACEIO":         {-9.72, -9.53, -35.82, -35.66},
	"NATAL":          {-5.92, -5.70, -35.30, -35.15},
	"TERESINA":       {-5.17, -4.98, -42.89, -42.72},
	"CAMPO GRANDE":   {-20.58, -20.35, -54.72, -54.50},
	"CUIABA":         {-15.70, -15.50, -56.18, -55.97},
	"JOAO PESSOA":    {-7.25, -7.06, -34.93, -34.79},
	"ARACAJU":        {-11.03, -10.86, -37.14, -37.02},
	"FLORIANOPOLIS":  {-27.85, -27.38, -48.62, -48.36},
	"VITORIA":        {-20.38, -20.22, -40.39, -40.24},
	"PORTO VELHO":    {-8.84, -8.66, -63.97, -63.78},
	"MACAPA":         {-0.10, 0.13, -51.14, -50.98},
	"BOA VISTA":      {2.76, 2.90, -60.76, -60.62},
	"RIO BRANCO":     {-10.03, -9.90, -67.89, -67.76},
	"PALMAS":         {-10.33, -10.12, -48.40, -48.27},
}

// StateBounds returns the bounding box for a 2-letter state code.
func StateBounds(state string) (Bounds, bool) {
	b, ok := stateBounds[strings.ToUpper(strings.TrimSpace(state))]
	return b, ok
}

// CityBounds returns the bounding box for a known city name. The name is
// matched case-insensitively after accent folding.
func CityBounds(city string) (Bounds, bool) {
	b, ok := cityBounds[FoldCityKey(city)]
	return b, ok
}

// WithinState reports whether the point is inside the state's bounding box.
// Unknown states return false with ok=false so callers can skip the check.
func WithinState(state string, lat, lng float64) (within, ok bool) {
	b, found := StateBounds(state)
	if !found {
		return false, false
	}
	return b.Contains(lat, lng), true
}

// WithinCity reports whether the point is inside the city's bounding box.
func WithinCity(city string, lat, lng float64) (within, ok bool) {
	b, found := CityBounds(city)
	if !found {
		return false, false
	}
	return b.Contains(lat, lng), true
}

// DistanceToCityCenterMeters returns the distance from the point to the known
// city center, or -1 when the city is not in the table.
func DistanceToCityCenterMeters(city string, lat, lng float64) float64 {
	b, ok := CityBounds(city)
	if !ok {
		return -1
	}
	cLat, cLng := b.Center()
	return HaversineMeters(lat, lng, cLat, cLng)
}

// FoldCityKey uppercases and strips the accents that occur in Brazilian city
// names, producing the lookup key used by the city table.
func FoldCityKey(city string) string {
	city = strings.ToUpper(strings.TrimSpace(city))
	replacer := strings.NewReplacer(
		"Á", "A", "À", "A", "Â", "A", "Ã", "A", "Ä", "A",
		"É", "E", "Ê", "E", "È", "E",
		"Í", "I", "Î", "I",
		"Ó", "O", "Ô", "O", "Õ", "O", "Ö", "O",
		"Ú", "U", "Û", "U", "Ü", "U",
		"Ç", "C",
	)
	return replacer.Replace(city)
}
