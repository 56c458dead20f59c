package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/artresearch/idios/domain/model"
	"github.com/artresearch/idios/domain/vector"
	"github.com/artresearch/idios/infrastructure/api/middleware"
)

// ImageRequest is the body of add, search_add and remove. Metadata is any
// JSON value and travels to the worker untouched.
type ImageRequest struct {
	URL      string          `json:"url"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// RestoreEntry is one element of a restore body: a previously dumped row
// with its embedding, so reindexing skips the feature extraction.
type RestoreEntry struct {
	URL       string          `json:"url"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Embedding []float32       `json:"embedding"`
}

// SearchRequest is the body of search. Exactly one of url or text drives the
// query; url wins when both are present. A nil limit means the worker
// default.
type SearchRequest struct {
	URL   string `json:"url,omitempty"`
	Text  string `json:"text,omitempty"`
	Limit *int   `json:"limit,omitempty"`
}

// CompareRequest is the body of compare.
type CompareRequest struct {
	URL   string `json:"url"`
	Other string `json:"other"`
}

// PageRequest is the body of urls and dump. Results start strictly after the
// cursor url.
type PageRequest struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  *int   `json:"limit,omitempty"`
}

// BulkFailure reports one url a bulk insert could not ingest.
type BulkFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// BulkResult is the add_bulk response: every requested url lands in exactly
// one of the three lists.
type BulkResult struct {
	Added  []string      `json:"added"`
	Found  []string      `json:"found"`
	Failed []BulkFailure `json:"failed"`
}

// insertOutcome decodes the wire reply of insert_images.
type insertOutcome struct {
	Added []string `json:"added"`
	Found []string `json:"found"`
}

// decodeBody decodes a JSON request body into dst. An empty body decodes to
// the zero value, mirroring the optional bodies of the urls and dump
// endpoints; field validation reports anything the zero value violates.
func decodeBody(r *http.Request, dst any) *middleware.Detail {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return &middleware.Detail{
			Loc:  []any{"body", typeErr.Field},
			Msg:  fmt.Sprintf("value is not a valid %s", typeErr.Type),
			Type: "type_error",
		}
	}
	return &middleware.Detail{Loc: []any{"body"}, Msg: err.Error(), Type: "value_error.jsondecode"}
}

func (b ImageRequest) validate(base ...any) []middleware.Detail {
	var details []middleware.Detail
	if d := validateURL(b.URL, loc(base, "url")); d != nil {
		details = append(details, *d)
	}
	if d := validateMetadata(b.Metadata, loc(base, "metadata")); d != nil {
		details = append(details, *d)
	}
	return details
}

func (b RestoreEntry) validate(base ...any) []middleware.Detail {
	details := ImageRequest{URL: b.URL, Metadata: b.Metadata}.validate(base...)
	if len(b.Embedding) == 0 {
		details = append(details, middleware.Detail{
			Loc:  loc(base, "embedding"),
			Msg:  "field required",
			Type: "value_error.missing",
		})
	}
	return details
}

func (b SearchRequest) validate(base ...any) []middleware.Detail {
	var details []middleware.Detail
	switch {
	case b.URL != "":
		if d := validateURL(b.URL, loc(base, "url")); d != nil {
			details = append(details, *d)
		}
	case b.Text == "":
		details = append(details, middleware.Detail{
			Loc:  base,
			Msg:  "either url or text is required",
			Type: "value_error.missing",
		})
	}
	if d := validateLimit(b.Limit, loc(base, "limit")); d != nil {
		details = append(details, *d)
	}
	return details
}

func (b CompareRequest) validate(base ...any) []middleware.Detail {
	var details []middleware.Detail
	if d := validateURL(b.URL, loc(base, "url")); d != nil {
		details = append(details, *d)
	}
	if d := validateURL(b.Other, loc(base, "other")); d != nil {
		details = append(details, *d)
	}
	return details
}

func (b PageRequest) validate(base ...any) []middleware.Detail {
	if d := validateLimit(b.Limit, loc(base, "limit")); d != nil {
		return []middleware.Detail{*d}
	}
	return nil
}

// validateURL checks the url constraints shared by every endpoint: absolute,
// http or https, a host carrying a top level domain (or a literal IP), and
// at most 2083 characters.
func validateURL(raw string, loc []any) *middleware.Detail {
	if raw == "" {
		return &middleware.Detail{Loc: loc, Msg: "field required", Type: "value_error.missing"}
	}
	if len(raw) > vector.MaxURLLength {
		return &middleware.Detail{
			Loc:  loc,
			Msg:  fmt.Sprintf("ensure this value has at most %d characters", vector.MaxURLLength),
			Type: "value_error.any_str.max_length",
		}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return &middleware.Detail{Loc: loc, Msg: "invalid or missing URL scheme", Type: "value_error.url.scheme"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &middleware.Detail{Loc: loc, Msg: "URL scheme not permitted", Type: "value_error.url.scheme"}
	}

	host := u.Hostname()
	if host == "" {
		return &middleware.Detail{Loc: loc, Msg: "URL host invalid", Type: "value_error.url.host"}
	}
	if net.ParseIP(host) == nil && !strings.Contains(host, ".") {
		return &middleware.Detail{
			Loc:  loc,
			Msg:  "URL host invalid, top level domain required",
			Type: "value_error.url.host",
		}
	}
	return nil
}

// validateMetadata bounds the serialised metadata size. The stored form is
// compact JSON, so the compacted length is what counts against the column
// limit.
func validateMetadata(raw json.RawMessage, loc []any) *middleware.Detail {
	if len(raw) == 0 {
		return nil
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return &middleware.Detail{Loc: loc, Msg: err.Error(), Type: "value_error.jsondecode"}
	}
	if compact.Len() > vector.MaxMetadataLength {
		return &middleware.Detail{
			Loc:  loc,
			Msg:  fmt.Sprintf("metadata json too long (%d > %d)", compact.Len(), vector.MaxMetadataLength),
			Type: "value_error.metadata_json_too_long",
		}
	}
	return nil
}

func validateLimit(limit *int, loc []any) *middleware.Detail {
	switch {
	case limit == nil:
		return nil
	case *limit < 1:
		return &middleware.Detail{
			Loc:  loc,
			Msg:  "ensure this value is greater than or equal to 1",
			Type: "value_error.number.not_ge",
		}
	case *limit > vector.MaxPageSize:
		return &middleware.Detail{
			Loc:  loc,
			Msg:  fmt.Sprintf("ensure this value is less than or equal to %d", vector.MaxPageSize),
			Type: "value_error.number.not_le",
		}
	}
	return nil
}

// loc builds a field location path without aliasing the base slice.
func loc(base []any, field any) []any {
	path := make([]any, 0, len(base)+1)
	path = append(path, base...)
	return append(path, field)
}

// permittedModels renders the model table for enum validation errors.
func permittedModels() string {
	names := model.Names()
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = "'" + name + "'"
	}
	return strings.Join(quoted, ", ")
}
