package poi

import "strings"

// Point is one geotagged node on the map. Tags whose key starts with an
// underscore are client-local annotations (pending edit, pending upload)
// and must survive fresh server copies of the same node.
type Point struct {
	ID   int64             `json:"id"`
	Lat  float64           `json:"lat"`
	Lon  float64           `json:"lon"`
	Tags map[string]string `json:"tags,omitempty"`
}

// LocalTagPrefix marks tags that belong to this device, not the server.
const LocalTagPrefix = "_"

// IsLocalTag reports whether a tag key is a client-local annotation.
func IsLocalTag(key string) bool {
	return strings.HasPrefix(key, LocalTagPrefix)
}

// MergeTags overlays fresh server tags onto an existing point's tags while
// keeping every client-local tag from the older copy. Fresh values win for
// ordinary keys; underscore keys present only on the old copy survive.
func MergeTags(old, fresh map[string]string) map[string]string {
	if len(old) == 0 && len(fresh) == 0 {
		return nil
	}
	merged := make(map[string]string, len(fresh)+2)
	for k, v := range fresh {
		merged[k] = v
	}
	for k, v := range old {
		if !IsLocalTag(k) {
			continue
		}
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged
}
