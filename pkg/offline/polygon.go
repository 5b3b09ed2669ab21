package offline

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/catacombing/charon/pkg/charonerr"
	"github.com/catacombing/charon/pkg/geo"
)

// ParsedRegion is a polygon region build request parsed from the offline
// region polygon file format.
type ParsedRegion struct {
	Name    string
	Polygon []geo.Point
}

// ParsePolygonFile reads the polygon text format described for offline
// region builds: a free-form name line, a literal "1", then
// "{longitude}{3 spaces}{latitude}" coordinate lines terminated by "END",
// followed by a second terminating "END".
func ParsePolygonFile(r io.Reader) (*ParsedRegion, error) {
	scanner := bufio.NewScanner(r)

	name, ok := nextLine(scanner)
	if !ok {
		return nil, charonerr.New(charonerr.InvalidPolygon, "missing region name line")
	}

	marker, ok := nextLine(scanner)
	if !ok {
		return nil, charonerr.New(charonerr.InvalidPolygon, "missing ring-count line")
	}
	if marker != "1" {
		return nil, charonerr.New(charonerr.InvalidPolygon, fmt.Sprintf("expected literal \"1\", got %q", marker))
	}

	var points []geo.Point
	for {
		line, ok := nextLine(scanner)
		if !ok {
			return nil, charonerr.New(charonerr.InvalidPolygon, "unexpected end of file within coordinate section")
		}
		if line == "END" {
			break
		}
		p, err := parseCoordinateLine(line)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}

	terminator, ok := nextLine(scanner)
	if !ok || terminator != "END" {
		return nil, charonerr.New(charonerr.InvalidPolygon, "missing terminating END line")
	}

	if err := scanner.Err(); err != nil {
		return nil, charonerr.Wrap(charonerr.InvalidPolygon, "reading polygon file", err)
	}

	if len(points) < 3 {
		return nil, charonerr.New(charonerr.InvalidPolygon, "polygon must have at least 3 points")
	}
	if points[0] != points[len(points)-1] {
		return nil, charonerr.New(charonerr.InvalidPolygon, "polygon ring is not closed: first and last points differ")
	}

	return &ParsedRegion{Name: name, Polygon: points}, nil
}

// parseCoordinateLine parses a "{longitude}   {latitude}" line, the
// separator being exactly three spaces.
func parseCoordinateLine(line string) (geo.Point, error) {
	parts := strings.SplitN(line, "   ", 2)
	if len(parts) != 2 {
		return geo.Point{}, charonerr.New(charonerr.InvalidPolygon, fmt.Sprintf("malformed coordinate line %q", line))
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Point{}, charonerr.Wrap(charonerr.InvalidPolygon, fmt.Sprintf("parsing longitude in %q", line), err)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Point{}, charonerr.Wrap(charonerr.InvalidPolygon, fmt.Sprintf("parsing latitude in %q", line), err)
	}
	return geo.Point{Lat: lat, Lon: lon}, nil
}

func nextLine(scanner *bufio.Scanner) (string, bool) {
	if !scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(scanner.Text()), true
}
