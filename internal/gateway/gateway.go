// Package gateway serves the HTTP API the web app talks to: task and
// profile metadata, task publication, signed contact decryption and an
// operator websocket feed of mirror events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/chain"
	otelPkg "github.com/basket/escrowmirror/internal/otel"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/reconcile"
)

const (
	healthCheckTimeout = 3 * time.Second
	defaultMaxBody     = 1 << 20
	syncRunsLimit      = 20
)

// Config wires the gateway to the mirror.
type Config struct {
	Coordinator *reconcile.Coordinator
	Bus         *bus.Bus
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *otelPkg.Metrics

	// AuthToken protects the operator routes. Empty closes them.
	AuthToken string

	// AllowOrigins feeds CORS and the websocket OriginPatterns.
	AllowOrigins []string

	// RequestsPerMinute limits POST routes per client IP. 0 disables.
	RequestsPerMinute int
	MaxBodyBytes      int64

	// ConfigFingerprint and Version are reported by /healthz.
	ConfigFingerprint string
	Version           string
}

// Server is the HTTP API.
type Server struct {
	cfg       Config
	coord     *reconcile.Coordinator
	store     *persistence.Store
	chain     chain.Reader
	logger    *slog.Logger
	tracer    trace.Tracer
	schemas   *schemas
	auth      *AuthMiddleware
	limiter   *RateLimitMiddleware
	started   time.Time
	wsClients atomic.Int64
}

// New validates cfg and compiles the request schemas.
func New(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("gateway: coordinator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	sch, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		coord:   cfg.Coordinator,
		store:   cfg.Coordinator.Store(),
		chain:   cfg.Coordinator.Chain(),
		logger:  cfg.Logger.With("component", "gateway"),
		tracer:  otelPkg.NoopTracer(cfg.Tracer),
		schemas: sch,
		auth:    NewAuthMiddleware(cfg.AuthToken),
		limiter: NewRateLimitMiddleware(cfg.RequestsPerMinute, 0),
		started: time.Now(),
	}, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /healthz/ready", s.handleReady)
	mux.HandleFunc("GET /healthz/live", s.handleLive)

	mux.HandleFunc("GET /task/{file}", s.handleTaskFile)
	mux.HandleFunc("GET /api/task/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/task", s.handlePublishTask)

	mux.HandleFunc("GET /profile/{file}", s.handleProfileFile)
	mux.HandleFunc("GET /api/profile/{address}", s.handleGetProfile)
	mux.HandleFunc("POST /api/profile", s.handleSaveProfile)

	mux.HandleFunc("POST /api/contacts/decrypt", s.handleDecrypt)

	mux.Handle("GET /ws/events", s.auth.Wrap(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /api/sync/report", s.auth.Wrap(http.HandlerFunc(s.handleSyncReport)))
	mux.Handle("GET /api/sync/runs", s.auth.Wrap(http.HandlerFunc(s.handleSyncRuns)))
	mux.Handle("POST /api/sync/task/{id}", s.auth.Wrap(http.HandlerFunc(s.handleSyncTask)))

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.instrument(h)
}

// RateLimiter exposes the limiter so the daemon can start its eviction loop.
func (s *Server) RateLimiter() *RateLimitMiddleware { return s.limiter }

// WSClients returns the number of connected websocket clients.
func (s *Server) WSClients() int64 { return s.wsClients.Load() }

// --- health ---

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "database": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"database": "ok", "rpc": "ok"}
	healthy := true
	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = "error"
		healthy = false
	}
	var head uint64
	if n, err := s.chain.BlockNumber(ctx); err != nil {
		checks["rpc"] = "error"
		healthy = false
	} else {
		head = n
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":             status,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"version":            s.cfg.Version,
		"chain_id":           s.coord.ChainID(),
		"block_number":       head,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"ws_clients":         s.wsClients.Load(),
		"bus_dropped":        s.cfg.Bus.Dropped(),
		"checks":             checks,
	})
}

// --- tasks ---

// taskJSON is the metadata document a taskURI resolves to.
type taskJSON struct {
	TaskID                   string `json:"taskId"`
	Title                    string `json:"title"`
	Description              string `json:"description"`
	ContactsEncryptedPayload string `json:"contactsEncryptedPayload"`
	CreatedAt                int64  `json:"createdAt"`
	Category                 string `json:"category,omitempty"`
	Creator                  string `json:"creator,omitempty"`
	CreatorNickname          string `json:"creatorNickname,omitempty"`
}

func (s *Server) handleTaskFile(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(r.PathValue("file"), ".json")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.serveTask(w, r, id)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	s.serveTask(w, r, r.PathValue("id"))
}

func (s *Server) serveTask(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		writeError(w, http.StatusBadRequest, "invalid taskId")
		return
	}
	task, err := s.store.GetTask(r.Context(), s.coord.ChainID(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get task", err)
		return
	}
	createdAt, _ := strconv.ParseInt(task.CreatedAt, 10, 64)
	out := taskJSON{
		TaskID:                   task.TaskID,
		Title:                    task.Title,
		Description:              task.Description,
		ContactsEncryptedPayload: task.ContactsEncryptedPayload,
		CreatedAt:                createdAt,
		Category:                 task.Category,
		Creator:                  task.Creator,
	}
	if task.Creator != "" {
		if p, err := s.store.GetProfile(r.Context(), task.Creator); err == nil {
			out.CreatorNickname = p.Nickname
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type publishBody struct {
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Contacts       string          `json:"contactsEncryptedPayload"`
	CreatorAddress string          `json:"creatorAddress"`
	Category       string          `json:"category"`
	CreatedAt      json.RawMessage `json:"createdAt"`
}

func (s *Server) handlePublishTask(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r, s.schemas.task, "Invalid task data")
	if !ok {
		return
	}
	var body publishBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid task data", err.Error())
		return
	}
	creator := body.CreatorAddress
	if creator == "" {
		creator = strings.TrimSpace(r.Header.Get("X-Creator-Address"))
	}
	if creator == "" {
		writeError(w, http.StatusBadRequest, "Creator address is required",
			"creatorAddress must be provided in request body or headers")
		return
	}

	res, err := s.coord.PublishTask(r.Context(), reconcile.PublishRequest{
		Title:       body.Title,
		Description: body.Description,
		Contacts:    body.Contacts,
		Creator:     creator,
		Category:    body.Category,
		CreatedAt:   strings.Trim(string(body.CreatedAt), `"`),
	})
	switch {
	case errors.Is(err, reconcile.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "Invalid task data", err.Error())
		return
	case errors.Is(err, reconcile.ErrChainUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Failed to read taskCounter from blockchain", "Please check RPC connection")
		return
	case err != nil:
		s.internalError(w, r, "publish task", err)
		return
	}
	if res.Existing {
		writeJSON(w, http.StatusOK, map[string]any{
			"taskURI":  res.TaskURI,
			"taskId":   res.TaskID,
			"message":  "Task already exists",
			"repaired": res.Repaired,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"taskURI":   res.TaskURI,
		"taskId":    res.TaskID,
		"encrypted": res.Encrypted,
	})
}

// --- profiles ---

// profileJSON is the metadata document a profileURI resolves to. Contacts
// are private and only leave the mirror through the decrypt route.
type profileJSON struct {
	Address          string   `json:"address"`
	Nickname         string   `json:"nickname"`
	City             string   `json:"city"`
	Skills           []string `json:"skills"`
	EncryptionPubKey string   `json:"encryptionPubKey"`
}

func (s *Server) handleProfileFile(w http.ResponseWriter, r *http.Request) {
	addr, ok := strings.CutSuffix(r.PathValue("file"), ".json")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.serveProfile(w, r, addr)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	s.serveProfile(w, r, r.PathValue("address"))
}

func (s *Server) serveProfile(w http.ResponseWriter, r *http.Request, addr string) {
	if !chain.IsAddress(addr) {
		writeError(w, http.StatusBadRequest, "Invalid Ethereum address")
		return
	}
	p, err := s.store.GetProfile(r.Context(), addr)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Profile not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profileJSON{
		Address:          p.Address,
		Nickname:         p.Nickname,
		City:             p.City,
		Skills:           p.Skills,
		EncryptionPubKey: p.EncryptionPubKey,
	})
}

type profileBody struct {
	Address          string   `json:"address"`
	Nickname         string   `json:"nickname"`
	City             string   `json:"city"`
	Skills           []string `json:"skills"`
	EncryptionPubKey string   `json:"encryptionPubKey"`
	Contacts         string   `json:"contacts"`
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r, s.schemas.profile, "Invalid profile data")
	if !ok {
		return
	}
	var body profileBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid profile data", err.Error())
		return
	}
	uri, err := s.coord.SaveProfile(r.Context(), persistence.Profile{
		Address:          body.Address,
		Nickname:         body.Nickname,
		City:             body.City,
		Skills:           body.Skills,
		EncryptionPubKey: body.EncryptionPubKey,
		Contacts:         body.Contacts,
	})
	if errors.Is(err, reconcile.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, "Invalid profile data", err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, "save profile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "profileURI": uri})
}

// --- contacts ---

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r, s.schemas.decrypt, "Missing required fields")
	if !ok {
		return
	}
	var req reconcile.DecryptRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing required fields", err.Error())
		return
	}
	res, err := s.coord.ReleaseContacts(r.Context(), req)
	if err != nil {
		writeError(w, decryptStatus(err), decryptMessage(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"contacts":   res.Contacts,
		"wrappedDEK": res.WrappedDEK,
		"role":       res.Role,
	})
}

// decryptStatus maps a ReleaseContacts denial to its HTTP status.
func decryptStatus(err error) int {
	var se *reconcile.StatusError
	switch {
	case errors.Is(err, reconcile.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, chain.ErrBadSignature), errors.Is(err, reconcile.ErrTaskMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, reconcile.ErrChainUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &se), errors.Is(err, reconcile.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, reconcile.ErrWrappedKeyNotFound), errors.Is(err, reconcile.ErrContactsNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decryptMessage(err error) string {
	var se *reconcile.StatusError
	switch {
	case errors.Is(err, reconcile.ErrInvalidRequest):
		return "Missing required fields"
	case errors.Is(err, chain.ErrBadSignature):
		return "Invalid signature"
	case errors.Is(err, reconcile.ErrTaskMismatch):
		return "Message does not match taskId"
	case errors.Is(err, reconcile.ErrChainUnavailable):
		return "Failed to read task from blockchain"
	case errors.As(err, &se):
		return "Task status does not allow decryption"
	case errors.Is(err, reconcile.ErrNotParticipant):
		return "Not a participant of this task"
	case errors.Is(err, reconcile.ErrWrappedKeyNotFound):
		return "Wrapped key not found"
	case errors.Is(err, reconcile.ErrContactsNotFound):
		return "Contacts not found"
	default:
		return "Internal server error"
	}
}

// --- operator routes ---

func (s *Server) handleSyncReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.coord.Inspect(r.Context())
	if err != nil {
		s.logger.Warn("sync report failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "inspection failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     rep.OK(),
		"kinds":  rep.Kinds(),
		"report": rep,
	})
}

func (s *Server) handleSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := syncRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.store.ListSyncRuns(r.Context(), s.coord.ChainID(), limit)
	if err != nil {
		s.internalError(w, r, "list sync runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleSyncTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid taskId")
		return
	}
	outcome, err := s.coord.SyncTaskFromChain(r.Context(), id, reconcile.SourceAPI)
	if err != nil {
		code := http.StatusUnprocessableEntity
		if errors.Is(err, reconcile.ErrTaskNotOnChain) {
			code = http.StatusNotFound
		}
		writeError(w, code, "sync failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": r.PathValue("id"), "outcome": outcome})
}

// --- helpers ---

// readBody reads the request body and validates it against schema. On
// failure it writes a 400 with the violations and returns false.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, errMsg string) ([]byte, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, errMsg, err.Error())
		return nil, false
	}
	if details := validateBody(schema, raw); len(details) > 0 {
		writeError(w, http.StatusBadRequest, errMsg, details...)
		return nil, false
	}
	return raw, true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

type errorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg string, details ...string) {
	writeJSON(w, code, errorBody{Error: msg, Details: details})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
