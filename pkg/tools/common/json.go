package common

import "encoding/json"

// CanonicalJSON marshals v into the single stable form used on launch command
// lines. encoding/json writes map keys in sorted order, so equal inputs always
// produce byte-identical output.
func CanonicalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
