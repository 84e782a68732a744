package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/stepsync/internal/access"
	"github.com/roach88/stepsync/internal/collab"
	"github.com/roach88/stepsync/internal/metrics"
	"github.com/roach88/stepsync/internal/model"
)

// Close codes outside the RFC 6455 range for document errors.
const (
	closeDocumentNotFound = 4404
)

// ConnectionIDHeader carries the connection ID in the upgrade response.
const ConnectionIDHeader = "X-Connection-Id"

// handleListenPath serves the path form of the handshake. IDs are validated
// before the upgrade so a bad path is a plain 400.
func (s *Server) handleListenPath(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req := model.SubscribeRequest{
		DocumentID: vars["documentID"],
		ProjectID:  vars["projectID"],
		Credential: credentialFromRequest(r),
	}
	if !validID(req.DocumentID) || !validID(req.ProjectID) {
		http.Error(w, "invalid project or document id", http.StatusBadRequest)
		return
	}

	id := s.opts.IDs.Generate()
	ws, err := s.upgrader.Upgrade(w, r, http.Header{ConnectionIDHeader: {id}})
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("upgrade failed", "error", err)
		return
	}
	s.serveConn(id, ws, req)
}

// handleListenFirstMessage serves the first-message form: upgrade, then
// expect {manuscriptID, projectID, authToken} within the handshake timeout.
func (s *Server) handleListenFirstMessage(w http.ResponseWriter, r *http.Request) {
	id := s.opts.IDs.Generate()
	ws, err := s.upgrader.Upgrade(w, r, http.Header{ConnectionIDHeader: {id}})
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}

	ws.SetReadLimit(s.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		s.logger.Debug("no subscribe message", "conn", id, "error", err)
		s.reject(ws, metrics.ReasonClientClosed, websocket.ClosePolicyViolation, "subscribe message required")
		return
	}
	req, err := parseSubscribe(data)
	if err != nil {
		s.logger.Warn("malformed subscribe message", "conn", id, "error", err)
		s.reject(ws, metrics.ReasonMalformed, websocket.ClosePolicyViolation, "malformed subscribe message")
		return
	}
	s.serveConn(id, ws, req)
}

// serveConn runs the common part of both handshakes: authenticate, check
// READ access, register, push the full snapshot, then serve the socket
// until it closes. Nothing is registered unless access is granted.
func (s *Server) serveConn(id string, ws *websocket.Conn, req model.SubscribeRequest) {
	logger := s.logger.With("conn", id, "document", req.DocumentID, "project", req.ProjectID)

	if err := s.authorize(s.ctx, req.Credential, req.ProjectID, access.PermRead); err != nil {
		logger.Info("subscribe denied", "error", err)
		s.reject(ws, metrics.ReasonDenied, websocket.ClosePolicyViolation, "access denied")
		return
	}
	if err := s.service.CheckProject(s.ctx, req.ProjectID, req.DocumentID); err != nil {
		if collab.IsNotFound(err) {
			logger.Info("subscribe to unknown document")
			s.reject(ws, metrics.ReasonDenied, closeDocumentNotFound, "document not found")
			return
		}
		logger.Error("document lookup failed", "error", err)
		s.reject(ws, metrics.ReasonServerError, websocket.CloseInternalServerErr, "document lookup failed")
		return
	}

	c := s.newConn(id, ws, req)
	c.registered = true
	s.registry.Subscribe(req.DocumentID, c)
	s.metrics.ConnectionOpened()
	logger.Info("subscribed")

	go c.writePump()

	// After a history clear the log no longer starts at 0; the tree alone
	// is still a complete snapshot.
	snapshot, err := s.service.GetHistory(s.ctx, req.DocumentID, 0, true)
	if collab.IsHistoryUnavailable(err) {
		snapshot, err = s.service.Snapshot(s.ctx, req.DocumentID)
	}
	if err == nil {
		err = c.push(snapshot, false)
	}
	if err != nil {
		switch {
		case collab.IsNotFound(err):
			logger.Info("subscribe to unknown document")
			c.teardown(metrics.ReasonServerError, closeDocumentNotFound, "document not found")
		default:
			logger.Error("initial snapshot failed", "error", err)
			c.teardown(metrics.ReasonServerError, websocket.CloseInternalServerErr, "snapshot failed")
		}
		return
	}

	c.readLoop()
}

// authorizeDocument is authorize followed by the check that documentID
// belongs to projectID.
func (s *Server) authorizeDocument(ctx context.Context, credential, projectID, documentID string, perm access.Permission) error {
	if err := s.authorize(ctx, credential, projectID, perm); err != nil {
		return err
	}
	return s.service.CheckProject(ctx, projectID, documentID)
}

// authorize authenticates credential and checks perm on projectID.
func (s *Server) authorize(ctx context.Context, credential, projectID string, perm access.Permission) error {
	identity, err := s.auth.Authenticate(ctx, credential)
	if err != nil {
		return err
	}
	if err := s.checker.ValidateAccess(ctx, identity, projectID, perm); err != nil {
		return collab.NewAccessDenied("", err)
	}
	return nil
}

// reject closes a socket that was never registered.
func (s *Server) reject(ws *websocket.Conn, reason string, code int, text string) {
	s.metrics.ConnectionRejected(reason)
	deadline := time.Now().Add(s.opts.WriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = ws.Close()
}

// credentialFromRequest takes the token from the Authorization header, the
// token query parameter or the access_token cookie, in that order.
func credentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("access_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// isAuthError reports whether err came from authentication rather than the
// access check.
func isAuthError(err error) bool {
	return errors.Is(err, access.ErrUnauthenticated)
}
