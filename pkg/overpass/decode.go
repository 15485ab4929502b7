package overpass

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"pointmap/pkg/poi"
)

// element maps only the fields we care about from the Overpass JSON.
// Keeping it small avoids coupling to the full upstream schema.
type element struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
	// Pointers distinguish "field absent" from a node sitting on the
	// equator/prime meridian.
	Lat    *float64 `json:"lat,omitempty"`
	Lon    *float64 `json:"lon,omitempty"`
	Center *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"center,omitempty"`
	Tags map[string]string `json:"tags,omitempty"`
}

type envelope struct {
	Remark   string    `json:"remark,omitempty"`
	Elements []element `json:"elements"`
}

// decodeElements turns a response body into points. Ways and relations
// carry their coordinate in "center"; nodes carry it inline. Elements
// without a usable coordinate are skipped rather than failing the batch.
func decodeElements(payload []byte) ([]poi.Point, string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, "", err
	}
	if env.Remark != "" && len(env.Elements) == 0 {
		return nil, env.Remark, nil
	}
	points := make([]poi.Point, 0, len(env.Elements))
	for _, el := range env.Elements {
		var lat, lon float64
		switch {
		case el.Center != nil:
			lat, lon = el.Center.Lat, el.Center.Lon
		case el.Lat != nil && el.Lon != nil:
			lat, lon = *el.Lat, *el.Lon
		default:
			continue
		}
		points = append(points, poi.Point{ID: el.ID, Lat: lat, Lon: lon, Tags: el.Tags})
	}
	return points, env.Remark, nil
}

// isElementLimitRemark classifies the server's runtime remark. The upstream
// engine reports the cap as a memory or element-count overrun in the remark
// field of an otherwise successful response.
func isElementLimitRemark(remark string) bool {
	lowered := strings.ToLower(remark)
	if !strings.Contains(lowered, "runtime error") {
		return false
	}
	return strings.Contains(lowered, "out of memory") ||
		strings.Contains(lowered, "too many") ||
		strings.Contains(lowered, "limit")
}

// parseSlots extracts the per-IP concurrent query budget from the status
// page, which is plain text of the form "Rate limit: 6".
func parseSlots(body string) (int, error) {
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, "Rate limit:")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return 0, fmt.Errorf("overpass: bad rate limit line %q", line)
		}
		return n, nil
	}
	return 0, fmt.Errorf("overpass: no rate limit line in status page")
}
