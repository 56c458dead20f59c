package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/artresearch/idios/domain/fault"
	"github.com/artresearch/idios/domain/model"
	"github.com/artresearch/idios/infrastructure/api/middleware"
	"github.com/artresearch/idios/infrastructure/dispatch"
)

// bulkConcurrency bounds the insert fan-out of add_bulk.
const bulkConcurrency = 8

// ModelsRouter handles the per-model endpoints. Handlers validate the
// request, issue one dispatcher call (add_bulk issues one per url) and map
// the reply; all image and index work happens in the workers.
type ModelsRouter struct {
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
}

// NewModelsRouter creates a ModelsRouter over the given dispatcher.
func NewModelsRouter(dispatcher dispatch.Dispatcher, logger *slog.Logger) *ModelsRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelsRouter{dispatcher: dispatcher, logger: logger}
}

// Routes returns the chi router for the model endpoints.
func (m *ModelsRouter) Routes() chi.Router {
	router := chi.NewRouter()

	router.Route("/{model}", func(router chi.Router) {
		router.Use(requireModel)

		router.Post("/add", m.Add)
		router.Post("/search_add", m.SearchAdd)
		router.Post("/add_bulk", m.AddBulk)
		router.Post("/restore", m.Restore)
		router.Post("/search", m.Search)
		router.Post("/compare", m.Compare)
		router.Post("/urls", m.URLs)
		router.Post("/dump", m.Dump)
		router.Get("/count", m.Count)
		router.Post("/remove", m.Remove)
	})

	return router
}

// requireModel rejects model names missing from the static model table
// before any body parsing happens.
func requireModel(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "model")
		if _, ok := model.Lookup(name); !ok {
			middleware.WriteDetails(w, http.StatusUnprocessableEntity, []middleware.Detail{{
				Loc:  []any{"path", "model"},
				Msg:  fmt.Sprintf("value is not a valid model name; permitted: %s", permittedModels()),
				Type: "type_error.enum",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Add handles POST /models/{model}/add: index one image, overwriting any
// row already stored under its url.
func (m *ModelsRouter) Add(w http.ResponseWriter, req *http.Request) {
	modelName := chi.URLParam(req, "model")

	var body ImageRequest
	if d := decodeBody(req, &body); d != nil {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, []middleware.Detail{*d})
		return
	}
	if details := body.validate("body"); len(details) > 0 {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, details)
		return
	}

	_, err := m.dispatcher.Call(req.Context(), "insert_images",
		modelName, []string{body.URL}, []json.RawMessage{body.Metadata}, nil, true)
	if err != nil {
		middleware.WriteError(w, req, err, m.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchAdd handles POST /models/{model}/search_add: index one image only
// if its url is new, answering 409 when it is already present.
func (m *ModelsRouter) SearchAdd(w http.ResponseWriter, req *http.Request) {
	modelName := chi.URLParam(req, "model")

	var body ImageRequest
	if d := decodeBody(req, &body); d != nil {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, []middleware.Detail{*d})
		return
	}
	if details := body.validate("body"); len(details) > 0 {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, details)
		return
	}

	raw, err := m.dispatcher.Call(req.Context(), "insert_images",
		modelName, []string{body.URL}, []json.RawMessage{body.Metadata}, nil, false)
	if err != nil {
		middleware.WriteError(w, req, err, m.logger)
		return
	}

	var outcome insertOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		middleware.WriteError(w, req, fault.Wrap(err, "malformed insert reply"), m.logger)
		return
	}
	if len(outcome.Found) > 0 {
		middleware.WriteError(w, req, fault.Conflict("url already indexed: %s", outcome.Found[0]), m.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddBulk handles POST /models/{model}/add_bulk: index many images, one
// dispatcher call per url, skipping urls already present. Failures do not
// fail the request; each url is reported in exactly one of added, found or
// failed.
func (m *ModelsRouter) AddBulk(w http.ResponseWriter, req *http.Request) {
	modelName := chi.URLParam(req, "model")

	var body []ImageRequest
	if d := decodeBody(req, &body); d != nil {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, []middleware.Detail{*d})
		return
	}
	var details []middleware.Detail
	for i, img := range body {
		details = append(details, img.validate("body", i)...)
	}
	if len(details) > 0 {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, details)
		return
	}

	type outcome struct {
		found bool
		err   error
	}
	outcomes := make([]outcome, len(body))

	g, gctx := errgroup.WithContext(req.Context())
	g.SetLimit(bulkConcurrency)
	for i, img := range body {
		g.Go(func() error {
			raw, err := m.dispatcher.Call(gctx, "insert_images",
				modelName, []string{img.URL}, []json.RawMessage{img.Metadata}, nil, false)
			if err != nil {
				outcomes[i] = outcome{err: err}
				return nil
			}
			var reply insertOutcome
			if err := json.Unmarshal(raw, &reply); err != nil {
				outcomes[i] = outcome{err: fault.Wrap(err, "malformed insert reply")}
				return nil
			}
			outcomes[i] = outcome{found: len(reply.Found) > 0}
			return nil
		})
	}
	_ = g.Wait()

	result := BulkResult{
		Added:  make([]string, 0, len(body)),
		Found:  make([]string, 0),
		Failed: make([]BulkFailure, 0),
	}
	for i, img := range body {
		switch {
		case outcomes[i].err != nil:
			result.Failed = append(result.Failed, BulkFailure{URL: img.URL, Error: outcomes[i].err.Error()})
		case outcomes[i].found:
			result.Found = append(result.Found, img.URL)
		default:
			result.Added = append(result.Added, img.URL)
		}
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

// Restore handles POST /models/{model}/restore: reindex previously dumped
// rows, embeddings included, in one dispatcher call.
func (m *ModelsRouter) Restore(w http.ResponseWriter, req *http.Request) {
	modelName := chi.URLParam(req, "model")

	var body []RestoreEntry
	if d := decodeBody(req, &body); d != nil {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, []middleware.Detail{*d})
		return
	}
	var details []middleware.Detail
	for i, entry := range body {
		details = append(details, entry.validate("body", i)...)
	}
	if len(details) > 0 {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, details)
		return
	}

	urls := make([]string, len(body))
	metadatas := make([]json.RawMessage, len(body))
	embeddings := make([][]float32, len(body))
	for i, entry := range body {
		urls[i] = entry.URL
		metadatas[i] = entry.Metadata
		embeddings[i] = entry.Embedding
	}

	_, err := m.dispatcher.Call(req.Context(), "insert_images",
		modelName, urls, metadatas, embeddings, true)
	if err != nil {
		middleware.WriteError(w, req, err, m.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles POST /models/{model}/search: similarity search by url or
// by text, best hits first.
func (m *ModelsRouter) Search(w http.ResponseWriter, req *http.Request) {
	modelName := chi.URLParam(req, "model")

	var body SearchRequest
	if d := decodeBody(req, &body); d != nil {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, []middleware.Detail{*d})
		return
	}
	if details := body.validate("body"); len(details) > 0 {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, details)
		return
	}

	command, query := "search_by_url", body.URL
	if body.URL == "" {
		command, query = "search_by_text", body.Text
	}

	raw, err := m.dispatcher.Call(req.Context(), command, modelName, query, body.Limit)
	if err != nil {
		middleware.WriteError(w, req, err, m.logger)
		return
	}
	middleware.WriteRawJSON(w, http.StatusOK, raw)
}

// Compare handles POST /models/{model}/compare: the similarity score of two
// images, indexed or not.
func (m *ModelsRouter) Compare(w http.ResponseWriter, req *http.Request) {
	modelName := chi.URLParam(req, "model")

	var body CompareRequest
	if d := decodeBody(req, &body); d != nil {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, []middleware.Detail{*d})
		return
	}
	if details := body.validate("body"); len(details) > 0 {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, details)
		return
	}

	raw, err := m.dispatcher.Call(req.Context(), "compare", modelName, body.URL, body.Other)
	if err != nil {
		middleware.WriteError(w, req, err, m.logger)
		return
	}
	middleware.WriteRawJSON(w, http.StatusOK, raw)
}

// URLs handles POST /models/{model}/urls: one page of indexed urls, sorted
// ascending, starting strictly after the cursor.
func (m *ModelsRouter) URLs(w http.ResponseWriter, req *http.Request) {
	modelName := chi.URLParam(req, "model")

	var body PageRequest
	if d := decodeBody(req, &body); d != nil {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, []middleware.Detail{*d})
		return
	}
	if details := body.validate("body"); len(details) > 0 {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, details)
		return
	}

	raw, err := m.dispatcher.Call(req.Context(), "list_images", modelName, body.Cursor, body.Limit)
	if err != nil {
		middleware.WriteError(w, req, err, m.logger)
		return
	}
	middleware.WriteRawJSON(w, http.StatusOK, raw)
}

// Dump handles POST /models/{model}/dump: one page of full rows for backup,
// embeddings and metadata included.
func (m *ModelsRouter) Dump(w http.ResponseWriter, req *http.Request) {
	modelName := chi.URLParam(req, "model")

	var body PageRequest
	if d := decodeBody(req, &body); d != nil {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, []middleware.Detail{*d})
		return
	}
	if details := body.validate("body"); len(details) > 0 {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, details)
		return
	}

	raw, err := m.dispatcher.Call(req.Context(), "list_images",
		modelName, body.Cursor, body.Limit, []string{"embedding", "metadata"})
	if err != nil {
		middleware.WriteError(w, req, err, m.logger)
		return
	}
	middleware.WriteRawJSON(w, http.StatusOK, raw)
}

// Count handles GET /models/{model}/count: the number of distinct indexed
// urls.
func (m *ModelsRouter) Count(w http.ResponseWriter, req *http.Request) {
	modelName := chi.URLParam(req, "model")

	raw, err := m.dispatcher.Call(req.Context(), "count", modelName)
	if err != nil {
		middleware.WriteError(w, req, err, m.logger)
		return
	}
	middleware.WriteRawJSON(w, http.StatusOK, raw)
}

// Remove handles POST /models/{model}/remove: drop one url and, for
// local-feature models, every composite key stored under it. Removing an
// absent url succeeds.
func (m *ModelsRouter) Remove(w http.ResponseWriter, req *http.Request) {
	modelName := chi.URLParam(req, "model")

	var body ImageRequest
	if d := decodeBody(req, &body); d != nil {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, []middleware.Detail{*d})
		return
	}
	if details := body.validate("body"); len(details) > 0 {
		middleware.WriteDetails(w, http.StatusUnprocessableEntity, details)
		return
	}

	_, err := m.dispatcher.Call(req.Context(), "remove_images", modelName, []string{body.URL})
	if err != nil {
		middleware.WriteError(w, req, err, m.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
