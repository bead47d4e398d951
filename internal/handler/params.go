package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func normalizeTicker(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !isTickerShape(s) {
		return ""
	}
	return s
}
