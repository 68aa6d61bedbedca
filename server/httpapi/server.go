package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/logger"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
	"github.com/litongjava/tio-mail-wing/server/delivery"
	"github.com/litongjava/tio-mail-wing/server/notify"
	"github.com/litongjava/tio-mail-wing/store"
)

const defaultMaxBodySize = 1 << 20

// ConnectionCounter is implemented by the protocol servers.
type ConnectionCounter interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	hostname     string
	alarmFrom    string
	maxBodySize  int64
	store        store.Store
	notifier     *notify.Hub
	listeners    map[string]ConnectionCounter
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string // empty disables authentication
	AllowedHosts []string
	Hostname     string
	// AlarmFrom is the sender used when an alarm carries no mail-from-user
	// header. Defaults to noreply@<Hostname>.
	AlarmFrom   string
	MaxBodySize int64
	Notifier    *notify.Hub
	Listeners   map[string]ConnectionCounter
	TLS         bool
	TLSCertFile string
	TLSKeyFile  string
}

// New creates a new HTTP API server
func New(st store.Store, options ServerOptions) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required for HTTP API server")
	}
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}
	if options.Hostname == "" {
		options.Hostname = "localhost"
	}
	if options.AlarmFrom == "" {
		options.AlarmFrom = "noreply@" + options.Hostname
	}
	if options.MaxBodySize <= 0 {
		options.MaxBodySize = defaultMaxBodySize
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		hostname:     options.Hostname,
		alarmFrom:    options.AlarmFrom,
		maxBodySize:  options.MaxBodySize,
		store:        st,
		notifier:     options.Notifier,
		listeners:    options.Listeners,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start starts the HTTP API server
func Start(ctx context.Context, st store.Store, options ServerOptions, errChan chan error) {
	server, err := New(st, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Starting API server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.metricsMiddleware)
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := router.NewRoute().Subrouter()
	api.Use(s.allowedHostsMiddleware)
	api.Use(s.authMiddleware)

	// Legacy path kept for existing alarm senders.
	api.HandleFunc("/alarm", s.handleAlarm).Methods("POST")

	v1 := api.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/alarm", s.handleAlarm).Methods("POST")
	v1.HandleFunc("/accounts", s.handleCreateAccount).Methods("POST")
	v1.HandleFunc("/accounts/{email}/exists", s.handleAccountExists).Methods("GET")
	v1.HandleFunc("/accounts/{email}/mailboxes", s.handleListMailboxes).Methods("GET")
	v1.HandleFunc("/connections/stats", s.handleConnectionStats).Methods("GET")
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(path, r.Method, fmt.Sprint(rec.status)).Inc()
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) deliveryContext() *delivery.DeliveryContext {
	return &delivery.DeliveryContext{
		Store:        s.store,
		Notifier:     s.notifier,
		MetricsLabel: "http_alarm",
		Logger:       deliveryLogger{},
	}
}

type deliveryLogger struct{}

func (deliveryLogger) Log(format string, args ...any) {
	logger.Info("HTTP API: " + fmt.Sprintf(format, args...))
}

// Request/Response types

type CreateAccountRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type MailboxInfo struct {
	Name        string `json:"name"`
	Messages    uint32 `json:"messages"`
	Recent      uint32 `json:"recent"`
	Unseen      uint32 `json:"unseen"`
	UIDNext     uint32 `json:"uid_next"`
	UIDValidity uint32 `json:"uid_validity"`
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateAccountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	accountID, err := s.store.CreateAccount(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, consts.ErrUserExists) {
			s.writeError(w, http.StatusConflict, "Account already exists")
			return
		}
		logger.Warn("HTTP API: error creating account", "email", req.Email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"account_id": accountID,
		"email":      req.Email,
		"message":    "Account created successfully",
	})
}

func (s *Server) handleAccountExists(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]
	exists, err := s.store.UserExists(r.Context(), email)
	if err != nil {
		logger.Warn("HTTP API: error checking account existence", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error checking account existence")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"email":  email,
		"exists": exists,
	})
}

func (s *Server) handleListMailboxes(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]
	ctx := r.Context()

	userID, err := s.store.GetUserIDByAddress(ctx, email)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			s.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		logger.Warn("HTTP API: error looking up account", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to look up account")
		return
	}

	mailboxes, err := s.store.ListMailboxes(ctx, userID)
	if err != nil {
		logger.Warn("HTTP API: error listing mailboxes", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list mailboxes")
		return
	}
	out := make([]MailboxInfo, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		status, err := s.store.GetMailboxStatus(ctx, mbox.ID)
		if err != nil {
			logger.Warn("HTTP API: error reading mailbox status", "mailbox", mbox.Name, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to read mailbox status")
			return
		}
		out = append(out, MailboxInfo{
			Name:        mbox.Name,
			Messages:    status.Messages,
			Recent:      status.Recent,
			Unseen:      status.Unseen,
			UIDNext:     uint32(status.UIDNext),
			UIDValidity: status.UIDValidity,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"email":     email,
		"mailboxes": out,
	})
}

func (s *Server) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]map[string]int64, len(s.listeners))
	for name, counter := range s.listeners {
		stats[name] = map[string]int64{
			"total":         counter.GetTotalConnections(),
			"authenticated": counter.GetAuthenticatedConnections(),
		}
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetMetricsStats(r.Context())
	if err != nil {
		logger.Warn("HTTP API: error reading store stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
