package models

import "encoding/json"

// Envelope wraps every REST response from the backend
type Envelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Timestamp  string          `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Meta describes one page of a paginated listing
type Meta struct {
	Current  int `json:"current"`
	PageSize int `json:"pageSize"`
	Pages    int `json:"pages"`
	Total    int `json:"total"`
}

// Page is the data section of a list response
type Page[T any] struct {
	Meta    *Meta `json:"meta,omitempty"`
	Results []T   `json:"results"`
}

// HasMore reports whether pages after this one exist. Without meta a full
// page is assumed to have a successor.
func (p Page[T]) HasMore(requestedSize int) bool {
	if p.Meta != nil {
		return p.Meta.Current+1 < p.Meta.Pages
	}
	return requestedSize > 0 && len(p.Results) >= requestedSize
}
