package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/roach88/stepsync/internal/access"
	"github.com/roach88/stepsync/internal/collab"
	"github.com/roach88/stepsync/internal/model"
)

// errorBody is the JSON body of every REST error.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	CurrentVersion *int64 `json:"currentVersion,omitempty"`
	StepIndex      *int   `json:"stepIndex,omitempty"`
}

var statusByCode = map[collab.ErrorCode]int{
	collab.ErrCodeVersionConflict:    http.StatusConflict,
	collab.ErrCodeStepApplication:    http.StatusBadRequest,
	collab.ErrCodeDocumentNotFound:   http.StatusNotFound,
	collab.ErrCodeAccessDenied:       http.StatusForbidden,
	collab.ErrCodeMalformedMessage:   http.StatusBadRequest,
	collab.ErrCodeHistoryUnavailable: http.StatusGone,
	collab.ErrCodeDocumentExists:     http.StatusConflict,
	collab.ErrCodeStoreFailure:       http.StatusInternalServerError,
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	if isAuthError(err) {
		return http.StatusUnauthorized
	}
	if status, ok := statusByCode[collab.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	detail := errorDetail{Code: string(collab.CodeOf(err)), Message: err.Error()}

	var se *collab.SyncError
	switch {
	case isAuthError(err):
		detail.Code = "UNAUTHENTICATED"
	case errors.As(err, &se):
		detail.Message = se.Message
		if se.Code == collab.ErrCodeVersionConflict {
			v := se.CurrentVersion
			detail.CurrentVersion = &v
		}
		if se.Code == collab.ErrCodeStepApplication && se.StepIndex >= 0 {
			i := se.StepIndex
			detail.StepIndex = &i
		}
		if se.Code == collab.ErrCodeStoreFailure {
			// Driver errors stay in the logs.
			s.logger.Error("request failed", "document", se.DocumentID, "error", err)
			detail.Message = "internal error"
		}
	default:
		s.logger.Error("request failed", "error", err)
		detail.Code = string(collab.ErrCodeStoreFailure)
		detail.Message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: detail})
}

// requestIDs extracts and validates the path IDs of a REST request.
func requestIDs(r *http.Request) (projectID, documentID string, err error) {
	vars := mux.Vars(r)
	projectID, documentID = vars["projectID"], vars["documentID"]
	if !validID(projectID) || !validID(documentID) {
		return "", "", collab.NewMalformed("invalid project or document id", nil)
	}
	return projectID, documentID, nil
}

// handleSubmitSteps is POST .../steps with a model.Submission body.
func (s *Server) handleSubmitSteps(w http.ResponseWriter, r *http.Request) {
	projectID, documentID, err := requestIDs(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.authorizeDocument(r.Context(), credentialFromRequest(r), projectID, documentID, access.PermWrite); err != nil {
		s.writeError(w, err)
		return
	}

	var sub model.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxMessageBytes))
	if err := dec.Decode(&sub); err != nil {
		s.writeError(w, collab.NewMalformed("invalid submission body", err))
		return
	}
	if _, err := dec.Token(); err != io.EOF {
		s.writeError(w, collab.NewMalformed("unexpected data after submission body", nil))
		return
	}

	// The submission belongs to persistence, not to the request: a client
	// hanging up mid-transaction does not roll it back.
	resp, err := s.service.SubmitSteps(s.ctx, documentID, sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHistory is GET .../history?fromVersion=N&tree=true.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	projectID, documentID, err := requestIDs(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.authorizeDocument(r.Context(), credentialFromRequest(r), projectID, documentID, access.PermRead); err != nil {
		s.writeError(w, err)
		return
	}

	q := r.URL.Query()
	var fromVersion int64
	if v := q.Get("fromVersion"); v != "" {
		fromVersion, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, collab.NewMalformed("invalid fromVersion", err))
			return
		}
	}
	includeTree := false
	if v := q.Get("tree"); v != "" {
		includeTree, err = strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, collab.NewMalformed("invalid tree flag", err))
			return
		}
	}

	resp, err := s.service.GetHistory(r.Context(), documentID, fromVersion, includeTree)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
