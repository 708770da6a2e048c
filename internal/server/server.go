// Package server is the HTTP request layer over the integrity core. It
// performs session authorization, appends audit entries to the chain log,
// and routes configuration mutation through the signed store. Optional
// training-mode branches reproduce the classic insecure shortcuts for
// classroom exercises; they live only here, never in the core.
package server

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/integrilog/integrilog/internal/attest"
	"github.com/integrilog/integrilog/internal/auth"
	"github.com/integrilog/integrilog/internal/chainlog"
	"github.com/integrilog/integrilog/internal/config"
	"github.com/integrilog/integrilog/internal/keys"
	"github.com/integrilog/integrilog/internal/sigconf"
)

// Server wires the HTTP surface to the integrity core and its collaborators.
type Server struct {
	cfg       config.TrainingConfig
	audit     *chainlog.Log
	conf      *sigconf.Store
	auth      *auth.Service
	attest    *attest.Simulator
	priv      *rsa.PrivateKey
	pub       *rsa.PublicKey
	hmacKey   []byte
	logger    *slog.Logger
	tlsConfig *tls.Config
}

// New assembles a Server. priv is the process signing key; its public half
// is what verification endpoints check against. hmacKey authenticates file
// digests on the file-verify endpoint.
func New(cfg config.TrainingConfig, audit *chainlog.Log, conf *sigconf.Store,
	authSvc *auth.Service, sim *attest.Simulator, priv *rsa.PrivateKey,
	hmacKey []byte, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		audit:   audit,
		conf:    conf,
		auth:    authSvc,
		attest:  sim,
		priv:    priv,
		pub:     &priv.PublicKey,
		hmacKey: hmacKey,
		logger:  logger,
	}
}

// SetTLSConfig stores a clone of cfg for HTTPS serving; nil restores the
// default (TLS 1.2 minimum).
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		s.tlsConfig = nil
		return
	}
	s.tlsConfig = cfg.Clone()
}

// SetupRoutes registers all handlers on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/login", s.handleLogin)
	mux.Handle("/api/v1/status", s.auth.Require(http.HandlerFunc(s.handleStatus)))
	mux.Handle("/api/v1/config", s.auth.Require(http.HandlerFunc(s.handleConfig)))
	mux.Handle("/api/v1/config/verify", s.auth.Require(http.HandlerFunc(s.handleConfigVerify)))
	mux.Handle("/api/v1/logs/verify", s.auth.Require(http.HandlerFunc(s.handleLogsVerify)))
	mux.Handle("/api/v1/files/verify", s.auth.Require(http.HandlerFunc(s.handleFileVerify)))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// BypassAuth is honored only with training.insecure_bypass enabled.
	BypassAuth bool `json:"bypass_auth,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.BypassAuth {
		if !s.cfg.InsecureBypass {
			writeError(w, http.StatusForbidden, "authentication bypass disabled")
			return
		}
		// Training mode only: the classic privilege-escalation shortcut.
		s.logger.Warn("authentication bypassed", "user", req.Username)
		s.auditAppend(chainlog.LevelWarning, fmt.Sprintf("Authentication bypassed for user: %s", req.Username))
		s.issueToken(w, auth.Principal{Name: req.Username, Role: auth.RoleAdmin})
		return
	}

	role, ok, err := s.auth.Verify(req.Username, req.Password)
	if err != nil {
		s.logger.Error("credential check failed", "user", req.Username, "err", err)
		writeError(w, http.StatusInternalServerError, "credential check failed")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.logger.Info("user logged in", "user", req.Username, "role", role)
	s.auditAppend(chainlog.LevelInfo, fmt.Sprintf("User logged in: %s", req.Username))
	s.issueToken(w, auth.Principal{Name: req.Username, Role: role})
}

func (s *Server) issueToken(w http.ResponseWriter, p auth.Principal) {
	token, err := s.auth.IssueToken(p)
	if err != nil {
		s.logger.Error("issue token failed", "err", err)
		writeError(w, http.StatusInternalServerError, "could not issue session token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "role": p.Role})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	verified, measurements := s.attest.Attestation()
	if !verified {
		writeError(w, http.StatusInternalServerError, "system integrity check failed")
		return
	}
	settings, sig := s.conf.Current()
	p, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":            p.Name,
		"role":            p.Role,
		"settings":        settings,
		"signature":       sig,
		"signature_valid": sigconf.Verify(settings, sig, s.pub),
		"measurements":    measurements,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, _ := auth.FromContext(r.Context())
	if p.Role != auth.RoleAdmin {
		s.logger.Warn("unauthorized config update attempt", "user", p.Name)
		s.auditAppend(chainlog.LevelWarning, fmt.Sprintf("Unauthorized config update attempt by %s", p.Name))
		writeError(w, http.StatusForbidden, "unauthorized")
		return
	}

	var delta sigconf.Settings
	if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if r.URL.Query().Get("skip_verify") == "1" {
		if !s.cfg.InsecureBypass {
			writeError(w, http.StatusForbidden, "unsigned config updates disabled")
			return
		}
		// Training mode only: acknowledge without signing, leaving the
		// stored signature stale so verification exposes the tampering.
		s.logger.Warn("config updated without verification", "user", p.Name)
		s.auditAppend(chainlog.LevelWarning, fmt.Sprintf("Config updated without verification: %v", delta))
		writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "warning": "no verification performed"})
		return
	}

	settings, sig, err := s.conf.Update(delta, s.priv)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sigconf.ErrNotCanonical) {
			status = http.StatusBadRequest
		}
		s.logger.Error("config update failed", "user", p.Name, "err", err)
		writeError(w, status, "update failed")
		return
	}

	s.logger.Info("config updated", "user", p.Name)
	s.auditAppend(chainlog.LevelInfo, fmt.Sprintf("Config update by authorized user: %s", p.Name))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "updated",
		"settings":  settings,
		"signature": sig,
	})
}

func (s *Server) handleConfigVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": s.conf.VerifyCurrent(s.pub)})
}

func (s *Server) handleLogsVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := s.audit.Verify()
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"intact": true})
		return
	}
	var integrityErr *chainlog.IntegrityError
	if errors.As(err, &integrityErr) {
		writeJSON(w, http.StatusOK, map[string]any{
			"intact":          false,
			"broken_sequence": integrityErr.Sequence,
			"reason":          integrityErr.Reason,
		})
		return
	}
	s.logger.Error("chain verification failed", "err", err)
	writeError(w, http.StatusInternalServerError, "verification failed")
}

func (s *Server) handleFileVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file")
		return
	}
	name := r.URL.Query().Get("name")
	sum := sha256.Sum256(content)
	body := map[string]any{
		"filename": name,
		"hash":     hex.EncodeToString(sum[:]),
		"hmac":     keys.SignHMAC(s.hmacKey, content),
		"status":   "verified",
	}
	// A caller holding a previously issued tag can check the file against it.
	if tag := r.URL.Query().Get("tag"); tag != "" {
		body["tag_valid"] = keys.VerifyHMAC(s.hmacKey, content, tag)
	}
	s.auditAppend(chainlog.LevelInfo, fmt.Sprintf("File verification requested: %s", name))
	writeJSON(w, http.StatusOK, body)
}

// auditAppend records an application event in the tamper-evident log. A
// failed append is logged but does not fail the request.
func (s *Server) auditAppend(level chainlog.Level, message string) {
	if _, err := s.audit.Append(level, message); err != nil {
		s.logger.Error("audit append failed", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// ListenAndServeTLS starts the HTTPS server.
func (s *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: s.tlsConfigWithDefaults(),
	}
	return srv.ListenAndServeTLS(certFile, keyFile)
}

// ListenAndServe starts a plain HTTP server, for local development only.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return (&http.Server{Addr: addr, Handler: mux}).ListenAndServe()
}
