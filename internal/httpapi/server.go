package httpapi

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/metrics"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/service"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

type Dependencies struct {
	Logger   *slog.Logger
	Addr     string
	Register *service.Register
	Auth     *service.Auth
	Metrics  *metrics.Metrics
	// Location resolves ?day= filters. Defaults to time.Local.
	Location *time.Location
}

// Server is the kiosk-facing JSON API. One operator is logged in at a time;
// their id is stamped on every record saved through the server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	router     chi.Router
	register   *service.Register
	auth       *service.Auth
	loc        *time.Location

	mu       sync.Mutex
	operator *types.User
}

func NewServer(d Dependencies) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}

	r := chi.NewRouter()

	s := &Server{
		logger:   logger,
		router:   r,
		register: d.Register,
		auth:     d.Auth,
		loc:      loc,
	}

	r.Use(middleware.RequestID)
	r.Use(recoverMiddleware(logger))
	r.Use(loggingMiddleware(logger))

	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/login", s.handleLogin)
		v1.Post("/logout", s.handleLogout)

		v1.Post("/entries", s.handleSaveEntry)
		v1.Post("/exits", s.handleSaveExit)
		v1.Get("/records", s.handleRecords)
		v1.Get("/records/inside", s.handleInside)

		v1.Get("/search/identity/{number}", s.handleSearchIdentity)
		v1.Get("/search/plate/{plate}", s.handleSearchPlate)
		v1.Get("/known/identity", s.handleKnownIdentity)
		v1.Get("/known/plate", s.handleKnownPlate)

		v1.Route("/backups", func(b chi.Router) {
			b.Post("/", s.handleCreateBackup)
			b.Get("/", s.handleListBackups)
			b.Group(func(admin chi.Router) {
				admin.Use(s.requireAdmin)
				admin.Post("/prune", s.handlePruneBackups)
				admin.Get("/{id}/export", s.handleExportBackup)
				admin.Post("/restore", s.handleRestoreBackup)
			})
		})
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) currentOperator() (types.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operator == nil {
		return types.User{}, false
	}
	return *s.operator, true
}

func (s *Server) setOperator(u *types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operator = u
}

func (s *Server) operatorID() string {
	u, _ := s.currentOperator()
	return u.ID
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := s.currentOperator()
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "log in first")
			return
		}
		if u.Role != types.RoleAdmin {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Session ──────────────────────────────────────────────────────────────────

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req types.LoginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	u, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.setOperator(&u)

	writeJSON(w, http.StatusOK, types.LoginResponse{OK: true, User: u})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Logout(r.Context(), s.operatorID())
	s.setOperator(nil)
	writeJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

// ── Records ──────────────────────────────────────────────────────────────────

func (s *Server) handleSaveEntry(w http.ResponseWriter, r *http.Request) {
	var e types.Entry
	if err := readJSON(r, &e); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	s.save(w, r, &e, &e.OperatorID)
}

func (s *Server) handleSaveExit(w http.ResponseWriter, r *http.Request) {
	var x types.Exit
	if err := readJSON(r, &x); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	s.save(w, r, &x, &x.OperatorID)
}

func (s *Server) save(w http.ResponseWriter, r *http.Request, rec types.Record, operator *string) {
	if id := s.operatorID(); id != "" {
		*operator = id
	}
	res, err := s.register.Save(r.Context(), rec)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saveResponse(res))
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r.URL.Query(), s.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	b, err := s.register.GetAll(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse(b))
}

func (s *Server) handleInside(w http.ResponseWriter, r *http.Request) {
	entries, err := s.register.Inside(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entriesResponse(entries))
}

func (s *Server) handleSearchIdentity(w http.ResponseWriter, r *http.Request) {
	b, err := s.register.SearchByIdentity(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse(b))
}

func (s *Server) handleSearchPlate(w http.ResponseWriter, r *http.Request) {
	b, err := s.register.SearchByPlate(r.Context(), chi.URLParam(r, "plate"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse(b))
}

func (s *Server) handleKnownIdentity(w http.ResponseWriter, r *http.Request) {
	kps, err := s.register.SuggestByIdentity(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, knownResponse(kps))
}

func (s *Server) handleKnownPlate(w http.ResponseWriter, r *http.Request) {
	kps, err := s.register.SuggestByPlate(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, knownResponse(kps))
}

// ── Backups ──────────────────────────────────────────────────────────────────

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	info, err := s.register.CreateBackup(r.Context(), s.operatorID())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	list, err := s.register.ListBackups(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []types.BackupInfo{}
	}
	writeJSON(w, http.StatusOK, types.BackupsResponse{Backups: list})
}

func (s *Server) handlePruneBackups(w http.ResponseWriter, r *http.Request) {
	var req types.PruneRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	n, err := s.register.PruneBackups(r.Context(), s.operatorID(), req.Keep)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.PruneResponse{Deleted: n})
}

func (s *Server) handleExportBackup(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var buf bytes.Buffer
	err := s.register.ExportBackup(r.Context(), id, &buf)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+service.ExportFileName(id)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	wipe, err := boolQuery(r.URL.Query(), "wipe")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	report, err := s.register.RestoreBackup(r.Context(), s.operatorID(), r.Body, service.RestoreOptions{Wipe: wipe})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
