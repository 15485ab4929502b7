// Package sharelink turns a map viewport into something a person can hand
// to another person: a canonical URL, and a QR code rendering of it for
// phone-to-phone sharing.
package sharelink

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// BuildTarget renders the canonical share URL for a map position. The
// format is stable so repeated shares of the same view produce the same
// string and reuse the same short code.
func BuildTarget(base string, lat, lon float64, zoom int) string {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	params.Set("zoom", strconv.Itoa(zoom))
	return trimmed + "/?" + params.Encode()
}

// ParseTarget extracts the map position back out of a share URL.
func ParseTarget(target string) (lat, lon float64, zoom int, err error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse share target: %w", err)
	}
	q := parsed.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	zoom, zoomErr := strconv.Atoi(q.Get("zoom"))
	if latErr != nil || lonErr != nil || zoomErr != nil {
		return 0, 0, 0, errors.New("share target missing lat/lon/zoom")
	}
	return lat, lon, zoom, nil
}

// EncodePNG writes a QR code for the target. High error correction keeps
// the code scannable from another phone's cracked screen.
func EncodePNG(w io.Writer, target string, sizePx int) error {
	if strings.TrimSpace(target) == "" {
		return errors.New("empty share target")
	}
	if sizePx <= 0 {
		sizePx = 512
	}
	code, err := qrcode.New(target, qrcode.High)
	if err != nil {
		return fmt.Errorf("build qr: %w", err)
	}
	buf, err := code.PNG(sizePx)
	if err != nil {
		return fmt.Errorf("render qr: %w", err)
	}
	_, err = w.Write(buf)
	return err
}
