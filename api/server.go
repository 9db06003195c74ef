package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wa-bulk-sender/campaign"
	"wa-bulk-sender/types"
)

const maxBodyBytes = 5 << 20

// Registry is the session manager as seen by the HTTP layer.
type Registry interface {
	Status(tenantID string) (types.StatusInfo, error)
	PairingInfo(tenantID string) (types.PairingInfo, error)
	Initialize(ctx context.Context, tenantID string) (types.InitResult, error)
	IsReady(tenantID string) bool
	Send(ctx context.Context, tenantID, phone, text string) types.SendResult
	Logout(tenantID string) error
	UserInfo(ctx context.Context, tenantID string) (*types.UserInfo, error)
	ActiveSessionCount() int
}

type Options struct {
	Version        string
	AllowedOrigins []string

	SendLimit rate.Limit
	SendBurst int

	// BulkDelay is used when a bulk request does not set its own delay.
	BulkDelay         time.Duration
	MaxBulkRecipients int

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

type Server struct {
	reg     Registry
	runner  *campaign.Runner
	limiter *RateLimiter
	opts    Options
	origins map[string]bool
	log     zerolog.Logger

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func NewServer(reg Registry, opts Options, log zerolog.Logger) *Server {
	if opts.SendLimit == 0 {
		opts.SendLimit = rate.Inf
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 1
	}
	origins := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		origins[o] = true
	}

	factory := promauto.With(opts.Registerer)
	return &Server{
		reg:     reg,
		runner:  campaign.NewRunner(reg, log),
		limiter: NewRateLimiter(opts.SendLimit, opts.SendBurst),
		opts:    opts,
		origins: origins,
		log:     log,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wa_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wa_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Limiter exposes the per-tenant send limiter so its cleanup can be started
// with the server's lifetime.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// Handler returns the routed handler with request id, access log and CORS
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/whatsapp/init", s.handleInit)
	mux.HandleFunc("POST /api/whatsapp/status", s.handleStatus)
	mux.HandleFunc("GET /api/whatsapp/status", s.handleServerStatus)
	mux.HandleFunc("POST /api/whatsapp/qr", s.handleQR)
	mux.HandleFunc("POST /api/whatsapp/logout", s.handleLogout)
	mux.HandleFunc("POST /api/whatsapp/send-one", s.handleSendOne)
	mux.HandleFunc("POST /api/whatsapp/send", s.handleSend)
	mux.HandleFunc("POST /api/whatsapp/me", s.handleMe)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return s.requestID(s.accessLog(s.cors(mux)))
}
