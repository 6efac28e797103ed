package contact

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/formgate/internal/httpmw"
	"github.com/keithlinneman/formgate/internal/log"
)

// Routes served by the API
const (
	RouteContact    = "/api/contact"
	RouteNewsletter = "/api/newsletter"
)

// Metric results for submissions
const (
	ResultAccepted   = "accepted"
	ResultInvalid    = "invalid"
	ResultBadRequest = "bad_request"
	ResultSinkError  = "sink_error"
)

const (
	msgContactOK    = "Thank you! We'll be in touch within 24 hours."
	msgNewsletterOK = "Thanks for subscribing!"
	msgInvalid      = "validation failed"
	msgBadBody      = "invalid request body"
	msgSinkFailed   = "Failed to send message"
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncSubmission(form, result string)
	ObserveSinkDuration(sink string, seconds float64)
}

// Guard wraps a form handler, typically with the rate limiter for route.
type Guard func(route string) func(http.Handler) http.Handler

// Response is the JSON body of every form endpoint response.
type Response struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	ID      string   `json:"id,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

type Options struct {
	Logger  log.Logger
	Sink    Sink
	Metrics Metrics

	// for tests
	Now   func() time.Time
	NewID func() string
}

// API serves the form endpoints.
type API struct {
	logger  log.Logger
	sink    Sink
	metrics Metrics
	now     func() time.Time
	newID   func() string
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Sink == nil {
		opts.Sink = NewLogSink(opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &API{
		logger:  opts.Logger,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		now:     opts.Now,
		newID:   opts.NewID,
	}
}

// RegisterRoutes attaches the form endpoints. Each route gets its own guard so
// every form is limited independently unless the guards share a store.
func (api *API) RegisterRoutes(r chi.Router, guard Guard) {
	with := func(route string) chi.Router {
		if guard == nil {
			return r
		}
		if mw := guard(route); mw != nil {
			return r.With(mw)
		}
		return r
	}
	with(RouteContact).Post(RouteContact, api.HandleContact)
	with(RouteNewsletter).Post(RouteNewsletter, api.HandleNewsletter)
}

// HandleContact validates a contact form and hands it to the sink.
func (api *API) HandleContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ContactRequest
	if !api.decode(w, r, FormContact, &req) {
		return
	}
	req = req.Normalize()
	if errs := req.Validate(); len(errs) > 0 {
		api.invalid(ctx, w, FormContact, errs)
		return
	}

	sub := api.newSubmission(r, FormContact)
	sub.Name = req.Name
	sub.Email = req.Email
	sub.Company = req.Company
	sub.Service = req.Service
	sub.Message = req.Message

	api.deliver(ctx, w, sub, msgContactOK)
}

// HandleNewsletter validates a newsletter signup and hands it to the sink.
func (api *API) HandleNewsletter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NewsletterRequest
	if !api.decode(w, r, FormNewsletter, &req) {
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		api.invalid(ctx, w, FormNewsletter, errs)
		return
	}

	sub := api.newSubmission(r, FormNewsletter)
	sub.Email = strings.TrimSpace(req.Email)
	api.deliver(ctx, w, sub, msgNewsletterOK)
}

func (api *API) decode(w http.ResponseWriter, r *http.Request, form string, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		api.record(form, ResultBadRequest)
		api.logger.Debug(r.Context(), "rejected form body", "form", form, "error", err)
		api.writeJSON(r.Context(), w, http.StatusBadRequest, Response{Message: msgBadBody})
		return false
	}
	return true
}

func (api *API) invalid(ctx context.Context, w http.ResponseWriter, form string, errs []string) {
	api.record(form, ResultInvalid)
	log.FromContext(ctx).Debug(ctx, "form validation failed", "form", form, "errors", errs)
	api.writeJSON(ctx, w, http.StatusBadRequest, Response{Message: msgInvalid, Errors: errs})
}

func (api *API) newSubmission(r *http.Request, form string) Submission {
	client := httpmw.ClientIPFromContext(r.Context())
	if client == "" {
		client = httpmw.ClientIdentifier(r)
	}
	return Submission{
		ID:         api.newID(),
		Form:       form,
		ClientIP:   client,
		RequestID:  httpmw.RequestIDFromContext(r.Context()),
		ReceivedAt: api.now().UTC(),
	}
}

func (api *API) deliver(ctx context.Context, w http.ResponseWriter, sub Submission, okMsg string) {
	start := time.Now()
	err := api.sink.Deliver(ctx, sub)
	if api.metrics != nil {
		api.metrics.ObserveSinkDuration(api.sink.Name(), time.Since(start).Seconds())
	}
	if err != nil {
		api.record(sub.Form, ResultSinkError)
		log.FromContext(ctx).Error(ctx, err, "form delivery failed",
			"form", sub.Form,
			"submission_id", sub.ID,
			"sink", api.sink.Name(),
		)
		api.writeJSON(ctx, w, http.StatusBadGateway, Response{Message: msgSinkFailed})
		return
	}

	api.record(sub.Form, ResultAccepted)
	log.FromContext(ctx).Info(ctx, "form submission accepted",
		"form", sub.Form,
		"submission_id", sub.ID,
		"sink", api.sink.Name(),
	)
	api.writeJSON(ctx, w, http.StatusOK, Response{Success: true, Message: okMsg, ID: sub.ID})
}

func (api *API) record(form, result string) {
	if api.metrics != nil {
		api.metrics.IncSubmission(form, result)
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
