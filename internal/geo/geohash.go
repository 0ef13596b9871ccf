// Package geo implements the small geohash covering-set helper the
// geo namespace driver needs. Geohash math is explicitly out of scope
// as a to-be-designed subsystem; this is a self-contained
// implementation of the standard base32 geohash plus the covering-set
// rule described alongside it: center cell plus whichever cardinal
// neighbors the point sits close enough to the boundary of to also
// need, so that two peers near a shared edge land in a common cell.
package geo

import "math"

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Precision is the geohash length used for namespace enrollment
// (Geo driver's `geohash7` id component), giving cells roughly 150m
// across.
const Precision = 7

// marginMeters is how close to a cell edge a point must be before its
// covering set also includes the neighbor across that edge. It is
// smaller than the cell's own ~150m span, so a point more than 50m
// from every edge enrolls in only its center cell; a point near one
// edge picks up a second cell, and a point near a corner a third.
const marginMeters = 50.0

const earthRadiusMeters = 6371000.0

// Encode returns the base32 geohash of length Precision for lat/lon.
func Encode(lat, lon float64) string {
	return encode(lat, lon, Precision)
}

func encode(lat, lon float64, precision int) string {
	latRange := [2]float64{-90, 90}
	lonRange := [2]float64{-180, 180}
	var buf []byte
	bit, ch, evenBit := 0, 0, true
	for len(buf) < precision {
		if evenBit {
			mid := (lonRange[0] + lonRange[1]) / 2
			if lon >= mid {
				ch |= 1 << (4 - bit)
				lonRange[0] = mid
			} else {
				lonRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}
		evenBit = !evenBit
		if bit < 4 {
			bit++
		} else {
			buf = append(buf, base32[ch])
			bit, ch = 0, 0
		}
	}
	return string(buf)
}

// Bounds is the lat/lon bounding box a geohash cell covers.
type Bounds struct {
	LatMin, LatMax float64
	LonMin, LonMax float64
}

func decodeBounds(hash string) Bounds {
	latRange := [2]float64{-90, 90}
	lonRange := [2]float64{-180, 180}
	evenBit := true
	for i := 0; i < len(hash); i++ {
		idx := indexOf(hash[i])
		for n := 4; n >= 0; n-- {
			bit := (idx >> uint(n)) & 1
			if evenBit {
				mid := (lonRange[0] + lonRange[1]) / 2
				if bit == 1 {
					lonRange[0] = mid
				} else {
					lonRange[1] = mid
				}
			} else {
				mid := (latRange[0] + latRange[1]) / 2
				if bit == 1 {
					latRange[0] = mid
				} else {
					latRange[1] = mid
				}
			}
			evenBit = !evenBit
		}
	}
	return Bounds{LatMin: latRange[0], LatMax: latRange[1], LonMin: lonRange[0], LonMax: lonRange[1]}
}

func indexOf(c byte) int {
	for i := 0; i < len(base32); i++ {
		if base32[i] == c {
			return i
		}
	}
	return 0
}

// neighbor returns the hash of the adjacent cell in one of the four
// cardinal directions, computed by nudging a point just across the
// relevant edge of hash's own bounding box and re-encoding it.
func neighbor(hash, dir string) string {
	b := decodeBounds(hash)
	var lat, lon float64
	latMid := (b.LatMin + b.LatMax) / 2
	lonMid := (b.LonMin + b.LonMax) / 2
	latSpan := b.LatMax - b.LatMin
	lonSpan := b.LonMax - b.LonMin
	switch dir {
	case "n":
		lat = math.Min(b.LatMax+latSpan/2, 90)
		lon = lonMid
	case "s":
		lat = math.Max(b.LatMin-latSpan/2, -90)
		lon = lonMid
	case "e":
		lat = latMid
		lon = b.LonMax + lonSpan/2
		if lon > 180 {
			lon -= 360
		}
	case "w":
		lat = latMid
		lon = b.LonMin - lonSpan/2
		if lon < -180 {
			lon += 360
		}
	}
	return encode(lat, lon, len(hash))
}

// distanceToEdge returns the great-circle distance in meters from
// (lat, lon) to the named edge of its own cell's bounding box.
func distanceToEdge(lat, lon float64, b Bounds, dir string) float64 {
	switch dir {
	case "n":
		return haversine(lat, lon, b.LatMax, lon)
	case "s":
		return haversine(lat, lon, b.LatMin, lon)
	case "e":
		return haversine(lat, lon, lat, b.LonMax)
	case "w":
		return haversine(lat, lon, lat, b.LonMin)
	}
	return math.MaxFloat64
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Covering returns the 1-5 geohash-7 cells (lat, lon)'s covering set
// spans: the center cell always, plus whichever cardinal neighbor
// cells the point sits within marginMeters of the shared edge of, so
// that two peers close together across a cell boundary still enroll
// in a common namespace.
func Covering(lat, lon float64) []string {
	center := Encode(lat, lon)
	b := decodeBounds(center)
	set := []string{center}
	seen := map[string]bool{center: true}
	for _, dir := range []string{"n", "s", "e", "w"} {
		if distanceToEdge(lat, lon, b, dir) <= marginMeters {
			n := neighbor(center, dir)
			if !seen[n] {
				seen[n] = true
				set = append(set, n)
			}
		}
	}
	return set
}
