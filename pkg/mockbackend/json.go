package mockbackend

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes v without HTML escaping, so URLs keep their & characters.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
