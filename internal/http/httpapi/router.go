package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"genorder/internal/http/handlers"
	mw "genorder/internal/middleware"
)

// Options carries the cross-cutting configuration the router wires into
// its middleware chain.
type Options struct {
	JWTSecret       string
	AllowedOrigins  []string
	RateLimitPerMin int
	DefaultLocale   string
	CountryLookup   mw.CountryLookup
	Logger          zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RealIP,
		chimw.Recoverer,
		mw.RequestID,
		mw.Logger(opts.Logger),
	)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(mw.CORS(opts.AllowedOrigins))
	}
	if opts.RateLimitPerMin > 0 {
		r.Use(mw.RateLimit(opts.RateLimitPerMin, time.Minute))
	}
	r.Use(mw.Locale(opts.DefaultLocale, opts.CountryLookup))

	r.Get("/healthz", app.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.AuthJWT(opts.JWTSecret))
		r.Post("/generations", app.GenerationsCreate)
		r.Get("/generations", app.GenerationByBizNo)
		r.Get("/generations/{order_id}", app.GenerationStatus)
		r.Get("/orders", app.OrdersList)
		r.Get("/credits", app.CreditsBalance)
	})

	return r
}
