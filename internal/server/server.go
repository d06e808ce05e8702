package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/formfill/internal/auth"
	"github.com/dukerupert/formfill/internal/billing"
	"github.com/dukerupert/formfill/internal/email"
	"github.com/dukerupert/formfill/internal/forms"
	"github.com/dukerupert/formfill/internal/gate"
	"github.com/dukerupert/formfill/internal/handler"
	"github.com/dukerupert/formfill/internal/magiclink"
	"github.com/dukerupert/formfill/internal/metrics"
	"github.com/dukerupert/formfill/internal/middleware"
	"github.com/dukerupert/formfill/internal/objects"
	"github.com/dukerupert/formfill/internal/quota"
	"github.com/dukerupert/formfill/internal/store"
)

// Auth endpoints allow this many requests per client IP per window.
const (
	authRateLimit  = 10
	authRateWindow = time.Minute
)

// Deps are the long-lived components the HTTP layer is built on. Payments
// may be nil when Stripe is not configured.
type Deps struct {
	DB           *sql.DB
	Authority    *magiclink.Authority
	Mailer       *email.Mailer
	Sessions     *auth.SessionManager
	Entitlements *auth.EntitlementCookie
	Anonymous    *auth.AnonymousCookie
	Reconciler   *billing.Reconciler
	Quota        *quota.Tracker
	Gate         *gate.Gate
	Engine       forms.Engine
	Objects      *objects.Manager
	Payments     handler.Payments
	Public       handler.PublicConfig
	DebugEnabled bool
	DebugKey     string

	// TrustProxy keys rate limits on CF-Connecting-IP and X-Forwarded-For.
	TrustProxy bool
}

type Server struct {
	authH       *handler.AuthHandler
	documentH   *handler.DocumentHandler
	billingH    *handler.BillingHandler
	accountH    *handler.AccountHandler
	profileH    *handler.ProfileHandler
	debugH      *handler.DebugHandler
	rateLimiter *middleware.RateLimiter
	clientIP    func(*http.Request) string
	logger      *slog.Logger
}

func New(d Deps, logger *slog.Logger) *Server {
	userStore := store.NewUserStore(d.DB)
	profileStore := store.NewProfileStore(d.DB)
	mappingStore := store.NewMappingStore(d.DB)

	return &Server{
		authH: handler.NewAuthHandler(d.Authority, d.Mailer, userStore, d.Sessions, d.Entitlements, d.Anonymous,
			d.Reconciler, logger.With("component", "auth")),
		documentH: handler.NewDocumentHandler(d.Gate, d.Engine, d.Objects, logger.With("component", "documents")),
		billingH: handler.NewBillingHandler(d.Gate, d.Payments, d.Reconciler, d.Entitlements, d.Anonymous, userStore,
			logger.With("component", "billing")),
		accountH: handler.NewAccountHandler(d.Gate, d.Quota, userStore, d.Sessions, d.Entitlements, d.Public,
			logger.With("component", "account")),
		profileH: handler.NewProfileHandler(d.Gate, profileStore, mappingStore, logger.With("component", "profiles")),
		debugH: handler.NewDebugHandler(d.DebugEnabled, d.DebugKey, d.Authority, d.Mailer, d.Sessions, d.Entitlements,
			logger.With("component", "debug")),
		rateLimiter: middleware.NewRateLimiter(),
		clientIP:    middleware.ClientIP(d.TrustProxy),
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.accountH.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/config", s.accountH.Config)
	mux.HandleFunc("GET /api/me", s.accountH.Me)
	mux.HandleFunc("POST /api/user/delete-data", s.accountH.DeleteData)

	// Magic-link auth
	mux.HandleFunc("POST /auth/send-magic-link", s.rateLimitedHandler(s.authH.SendMagicLink))
	mux.HandleFunc("GET /auth/verify", s.rateLimitedHandler(s.authH.Verify))
	mux.HandleFunc("POST /auth/logout", s.authH.Logout)

	// Documents
	mux.HandleFunc("POST /fields", s.documentH.Fields)
	mux.HandleFunc("POST /analyze", s.documentH.Fields)
	mux.HandleFunc("POST /fill", s.documentH.Fill)
	mux.HandleFunc("GET /preview/{id}", s.documentH.Preview)
	mux.HandleFunc("GET /download/{id}", s.documentH.Download)

	// Billing
	mux.HandleFunc("POST /create-checkout-session", s.billingH.CreateCheckoutSession)
	mux.HandleFunc("GET /stripe/success", s.billingH.Success)
	mux.HandleFunc("GET /stripe/cancel", s.billingH.Cancel)
	mux.HandleFunc("POST /stripe/refresh", s.billingH.Refresh)
	mux.HandleFunc("POST /stripe/webhook", s.billingH.Webhook)

	// Profiles and saved mappings
	mux.HandleFunc("GET /api/profiles", s.profileH.List)
	mux.HandleFunc("POST /api/profiles", s.profileH.Create)
	mux.HandleFunc("POST /api/profiles/apply", s.profileH.Apply)
	mux.HandleFunc("GET /api/profiles/{id}", s.profileH.Get)
	mux.HandleFunc("PUT /api/profiles/{id}", s.profileH.Update)
	mux.HandleFunc("DELETE /api/profiles/{id}", s.profileH.Delete)
	mux.HandleFunc("GET /api/mappings/{hash}", s.profileH.GetMapping)
	mux.HandleFunc("PUT /api/mappings/{hash}", s.profileH.PutMapping)

	mux.HandleFunc("GET /debug/last-magic-link", s.debugH.LastMagicLink)
	mux.HandleFunc("GET /debug/auth-status", s.debugH.AuthStatus)
	mux.HandleFunc("GET /debug/auth", s.debugH.AuthStatus)
	mux.HandleFunc("GET /debug/email", s.debugH.Email)
	mux.HandleFunc("POST /debug/send-test-email", s.debugH.SendTestEmail)
	mux.HandleFunc("GET /debug/set-test-cookie", s.debugH.SetTestCookie)

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, s.clientIP, authRateLimit, authRateWindow)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
