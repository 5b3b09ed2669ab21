package geo

import (
	"errors"
	"math"
)

// EncodePolyline encodes points using Google's Polyline Algorithm Format
// (Polyline5, 1e-5 degree precision).
func EncodePolyline(points []Point) string {
	if len(points) == 0 {
		return ""
	}

	result := make([]byte, 0, len(points)*12)
	prevLat, prevLon := 0, 0

	for _, p := range points {
		lat := int(math.Round(p.Lat * 1e5))
		lon := int(math.Round(p.Lon * 1e5))

		result = append(result, encodeSigned(lat-prevLat)...)
		result = append(result, encodeSigned(lon-prevLon)...)

		prevLat, prevLon = lat, lon
	}

	return string(result)
}

// DecodePolyline decodes a Polyline5-encoded string into points.
func DecodePolyline(polyline string) ([]Point, error) {
	if len(polyline) == 0 {
		return []Point{}, nil
	}

	count := len(polyline) / 8
	if count <= 0 {
		count = 1
	}
	points := make([]Point, 0, count)

	index, prevLat, prevLon := 0, 0, 0
	strLen := len(polyline)

	for index < strLen {
		lat, next, err := decodeValue(polyline, index, prevLat)
		if err != nil {
			return nil, err
		}
		index, prevLat = next, lat

		if index >= strLen {
			return nil, errors.New("invalid polyline: unexpected end of string")
		}
		lon, next2, err := decodeValue(polyline, index, prevLon)
		if err != nil {
			return nil, err
		}
		index, prevLon = next2, lon

		points = append(points, Point{
			Lat: float64(lat) * 1e-5,
			Lon: float64(lon) * 1e-5,
		})
	}

	return points, nil
}

func encodeSigned(value int) []byte {
	shifted := value << 1
	if value < 0 {
		shifted = ^shifted
	}
	return encodeUnsigned(shifted)
}

func encodeUnsigned(value int) []byte {
	var result []byte
	for value >= 0x20 {
		result = append(result, byte((0x20|(value&0x1f))+63))
		value >>= 5
	}
	result = append(result, byte(value+63))
	return result
}

// decodeValue decodes a single delta-encoded value starting at index,
// returning the absolute value (prev + delta) and the index just past it.
func decodeValue(polyline string, index int, prev int) (int, int, error) {
	result := 0
	shift := uint(0)

	for {
		if index >= len(polyline) {
			return 0, 0, errors.New("invalid polyline: unexpected end of string")
		}
		b := int(polyline[index]) - 63
		index++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}

	var delta int
	if result&1 != 0 {
		delta = ^(result >> 1)
	} else {
		delta = result >> 1
	}

	return prev + delta, index, nil
}
