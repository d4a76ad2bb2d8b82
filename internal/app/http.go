package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"redline/api/internal/export"
	"redline/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 2 && parts[1] == "contracts" {
		switch r.Method {
		case http.MethodGet:
			s.handleListContracts(w, r)
		case http.MethodPost:
			s.handleCreateContract(w, r)
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 3 && parts[1] == "contracts" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleGetContract(w, r, parts[2])
		return
	}

	if len(parts) == 4 && parts[1] == "contracts" && parts[3] == "versions" {
		switch r.Method {
		case http.MethodGet:
			s.handleListVersions(w, r, parts[2])
		case http.MethodPost:
			s.handleCreateVersion(w, r, parts[2])
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 3 && parts[1] == "versions" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleGetVersion(w, r, parts[2])
		return
	}

	if len(parts) == 4 && parts[1] == "versions" && parts[3] == "comments" {
		switch r.Method {
		case http.MethodGet:
			s.handleListComments(w, r, parts[2])
		case http.MethodPost:
			s.handleCreateComment(w, r, parts[2])
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "comparisons" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleCompare(w, r)
		return
	}

	if len(parts) == 3 && parts[1] == "comparisons" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleGetComparison(w, r, parts[2])
		return
	}

	if len(parts) == 4 && parts[1] == "comparisons" {
		comparisonID := parts[2]
		switch parts[3] {
		case "changes":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			s.handleListChanges(w, r, comparisonID)
		case "stats":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			s.handleReviewStats(w, r, comparisonID)
		case "preview":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			s.handlePreview(w, r, comparisonID)
		case "export":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			s.handleExport(w, r, comparisonID)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if len(parts) == 3 && parts[1] == "changes" && parts[2] == "bulk-review" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleBulkReview(w, r)
		return
	}

	if len(parts) == 3 && parts[1] == "changes" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleGetChange(w, r, parts[2])
		return
	}

	if len(parts) == 4 && parts[1] == "changes" && parts[3] == "review" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleReviewChange(w, r, parts[2])
		return
	}

	if len(parts) == 3 && parts[1] == "comments" {
		switch r.Method {
		case http.MethodPut:
			s.handleUpdateComment(w, r, parts[2])
		case http.MethodDelete:
			s.handleDeleteComment(w, r, parts[2])
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 4 && parts[1] == "comments" && parts[3] == "resolve" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleResolveComment(w, r, parts[2])
		return
	}

	if len(parts) == 2 && parts[1] == "sessions" {
		switch r.Method {
		case http.MethodGet:
			s.handleListSessions(w, r)
		case http.MethodPost:
			s.handleStartSession(w, r)
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 3 && parts[1] == "sessions" && parts[2] == "stats" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleSessionStats(w, r)
		return
	}

	if len(parts) == 3 && parts[1] == "sessions" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleGetSession(w, r, parts[2])
		return
	}

	if len(parts) == 4 && parts[1] == "sessions" {
		sessionID := parts[2]
		switch parts[3] {
		case "participants":
			switch r.Method {
			case http.MethodGet:
				s.handleListParticipants(w, r, sessionID)
			case http.MethodPost:
				s.handleAddParticipant(w, r, sessionID)
			default:
				methodNotAllowed(w)
			}
		case "operations":
			switch r.Method {
			case http.MethodGet:
				s.handleListOperations(w, r, sessionID)
			case http.MethodPost:
				s.handleSubmitOperation(w, r, sessionID)
			default:
				methodNotAllowed(w)
			}
		case "snapshot":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			s.handleSnapshot(w, r, sessionID)
		case "attributes":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			s.handleAttributes(w, r, sessionID)
		case "heartbeat":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			s.handleHeartbeat(w, r, sessionID)
		case "leave":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			s.handleLeave(w, r, sessionID)
		case "complete":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			s.handleCompleteSession(w, r, sessionID)
		case "cancel":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			s.handleCancelSession(w, r, sessionID)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "search" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleSearch(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// Contracts

func (s *HTTPServer) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	item, err := s.service.CreateContract(r.Context(), body.Title, actorName(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, contractPayload(item))
}

func (s *HTTPServer) handleListContracts(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListContracts(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, contractPayload(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": payload})
}

func (s *HTTPServer) handleGetContract(w http.ResponseWriter, r *http.Request, contractID string) {
	item, err := s.service.GetContract(r.Context(), contractID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractPayload(item))
}

// Versions

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request, contractID string) {
	var body struct {
		Content     string `json:"content"`
		VersionType string `json:"versionType"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	item, err := s.service.CreateVersion(r.Context(), contractID, body.Content, body.VersionType, actorName(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, versionPayload(item))
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, contractID string) {
	items, err := s.service.ListVersions(r.Context(), contractID, r.URL.Query().Get("type"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, versionPayload(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": payload})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request, versionID string) {
	if r.URL.Query().Get("content") == "true" {
		item, content, err := s.service.VersionContent(r.Context(), versionID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := versionPayload(item)
		payload["content"] = content
		writeJSON(w, http.StatusOK, payload)
		return
	}

	item, err := s.service.GetVersion(r.Context(), versionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionPayload(item))
}

// Comparisons

func (s *HTTPServer) handleCompare(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceVersionID string `json:"sourceVersionId"`
		TargetVersionID string `json:"targetVersionId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	comparison, changes, created, err := s.service.Compare(r.Context(), body.SourceVersionID, body.TargetVersionID, actorName(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	payload := comparisonPayload(comparison)
	payload["changes"] = changePayloads(changes)
	writeJSON(w, status, payload)
}

func (s *HTTPServer) handleGetComparison(w http.ResponseWriter, r *http.Request, comparisonID string) {
	item, err := s.service.GetComparison(r.Context(), comparisonID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comparisonPayload(item))
}

func (s *HTTPServer) handleListChanges(w http.ResponseWriter, r *http.Request, comparisonID string) {
	query := r.URL.Query()
	filter := store.ChangeFilter{
		ChangeType:      query.Get("type"),
		Status:          query.Get("status"),
		Category:        query.Get("category"),
		SignificantOnly: query.Get("significant") == "true",
	}

	items, err := s.service.ListChanges(r.Context(), comparisonID, filter)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changePayloads(items)})
}

func (s *HTTPServer) handleReviewStats(w http.ResponseWriter, r *http.Request, comparisonID string) {
	stats, err := s.service.ReviewStats(r.Context(), comparisonID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":           stats.Total,
		"reviewed":        stats.Reviewed,
		"accepted":        stats.Accepted,
		"rejected":        stats.Rejected,
		"percentReviewed": stats.PercentReviewed,
		"acceptanceRate":  stats.AcceptanceRate,
		"byReviewer":      stats.ByReviewer,
	})
}

func (s *HTTPServer) handlePreview(w http.ResponseWriter, r *http.Request, comparisonID string) {
	merged, err := s.service.ApplyAccepted(r.Context(), comparisonID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": merged})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, comparisonID string) {
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatPDF
	}
	if format != export.FormatPDF && format != export.FormatDOCX {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'pdf' or 'docx'", nil)
		return
	}

	result, err := s.service.ExportComparison(r.Context(), comparisonID, format)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	// Middleware already stamped application/json; override before the body.
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.Header().Set("Content-Type", result.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleGetChange(w http.ResponseWriter, r *http.Request, changeID string) {
	item, err := s.service.GetChange(r.Context(), changeID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changePayload(item))
}

func (s *HTTPServer) handleReviewChange(w http.ResponseWriter, r *http.Request, changeID string) {
	var body struct {
		Decision string `json:"decision"`
		Comment  string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	item, err := s.service.ReviewChange(r.Context(), changeID, body.Decision, body.Comment, actorName(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changePayload(item))
}

func (s *HTTPServer) handleBulkReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChangeIDs []string `json:"changeIds"`
		Decision  string   `json:"decision"`
		Comment   string   `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	results, err := s.service.BulkReview(r.Context(), body.ChangeIDs, body.Decision, body.Comment, actorName(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}

	payload := make([]map[string]any, 0, len(results))
	for _, result := range results {
		entry := map[string]any{"changeId": result.ChangeID}
		if result.Err != "" {
			entry["error"] = result.Err
		} else {
			entry["status"] = result.Status
		}
		payload = append(payload, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": payload})
}

// Comments

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request, versionID string) {
	var body struct {
		Body        string  `json:"body"`
		ParentID    *string `json:"parentId"`
		AnchorStart int     `json:"anchorStart"`
		AnchorEnd   int     `json:"anchorEnd"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	item, err := s.service.CreateComment(r.Context(), versionID, actorName(r), body.Body, body.ParentID, body.AnchorStart, body.AnchorEnd)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commentPayload(item))
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request, versionID string) {
	threads, err := s.service.CommentThreads(r.Context(), versionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(threads))
	for _, thread := range threads {
		replies := make([]map[string]any, 0, len(thread.Replies))
		for _, reply := range thread.Replies {
			replies = append(replies, commentPayload(reply))
		}
		root := commentPayload(thread.Comment)
		root["replies"] = replies
		root["participants"] = thread.Participants
		payload = append(payload, root)
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": payload})
}

func (s *HTTPServer) handleUpdateComment(w http.ResponseWriter, r *http.Request, commentID string) {
	var body struct {
		Body        string `json:"body"`
		AnchorStart int    `json:"anchorStart"`
		AnchorEnd   int    `json:"anchorEnd"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	item, err := s.service.UpdateComment(r.Context(), commentID, actorName(r), body.Body, body.AnchorStart, body.AnchorEnd)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commentPayload(item))
}

func (s *HTTPServer) handleResolveComment(w http.ResponseWriter, r *http.Request, commentID string) {
	item, err := s.service.ResolveComment(r.Context(), commentID, actorName(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commentPayload(item))
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request, commentID string) {
	if err := s.service.DeleteComment(r.Context(), commentID, actorName(r)); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// Sessions

func (s *HTTPServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ContractID      string `json:"contractId"`
		SourceVersionID string `json:"sourceVersionId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, owner, err := s.service.StartSession(r.Context(), body.ContractID, body.SourceVersionID, actorName(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := sessionPayload(session)
	payload["owner"] = participantPayload(owner)
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListSessions(r.Context(), r.URL.Query().Get("contractId"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, sessionPayload(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": payload})
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	item, err := s.service.GetSession(r.Context(), sessionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	participants, err := s.service.Participants(r.Context(), sessionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := sessionPayload(item)
	payload["participants"] = participantPayloads(participants)
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.SessionStats(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":               stats.Total,
		"active":              stats.Active,
		"completed":           stats.Completed,
		"cancelled":           stats.Cancelled,
		"averageParticipants": stats.AverageParticipants,
	})
}

func (s *HTTPServer) handleListParticipants(w http.ResponseWriter, r *http.Request, sessionID string) {
	items, err := s.service.Participants(r.Context(), sessionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": participantPayloads(items)})
}

func participantPayloads(items []Participant) []map[string]any {
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry := participantPayload(item.RedlineParticipant)
		entry["live"] = item.Live
		if item.Live {
			entry["position"] = item.Position
		}
		if item.LastSeen != nil {
			entry["lastSeen"] = item.LastSeen.UTC().Format(time.RFC3339)
		}
		payload = append(payload, entry)
	}
	return payload
}

func (s *HTTPServer) handleAddParticipant(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		DisplayName string `json:"displayName"`
		Role        string `json:"role"`
		GuestEmail  string `json:"guestEmail"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	item, err := s.service.AddParticipant(r.Context(), sessionID, body.DisplayName, body.Role, body.GuestEmail, actorName(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, participantPayload(item))
}

func (s *HTTPServer) handleListOperations(w http.ResponseWriter, r *http.Request, sessionID string) {
	afterSeq := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "after must be a non-negative integer", nil)
			return
		}
		afterSeq = parsed
	}

	items, err := s.service.Operations(r.Context(), sessionID, afterSeq)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, operationPayload(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": payload})
}

func (s *HTTPServer) handleSubmitOperation(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		Kind        string            `json:"kind"`
		Position    int               `json:"position"`
		Length      int               `json:"length"`
		Text        string            `json:"text"`
		Attributes  map[string]string `json:"attributes"`
		ParentSeq   int64             `json:"parentSeq"`
		ClientSeq   int64             `json:"clientSeq"`
		LogicalTime int64             `json:"logicalTime"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	applied, err := s.service.SubmitOperation(r.Context(), sessionID, OperationInput{
		Author:      actorName(r),
		Kind:        body.Kind,
		Position:    body.Position,
		Length:      body.Length,
		Text:        body.Text,
		Attributes:  body.Attributes,
		ParentSeq:   body.ParentSeq,
		ClientSeq:   body.ClientSeq,
		LogicalTime: body.LogicalTime,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	payload := make([]map[string]any, 0, len(applied))
	for _, item := range applied {
		payload = append(payload, operationPayload(item))
	}
	// An empty list means the operation was buffered awaiting earlier client
	// sequence numbers from the same author.
	writeJSON(w, http.StatusOK, map[string]any{
		"applied":  payload,
		"buffered": len(applied) == 0,
	})
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request, sessionID string) {
	content, seq, err := s.service.SessionSnapshot(r.Context(), sessionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content, "seq": seq})
}

func (s *HTTPServer) handleAttributes(w http.ResponseWriter, r *http.Request, sessionID string) {
	position, err := strconv.Atoi(r.URL.Query().Get("position"))
	if err != nil || position < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "position must be a non-negative integer", nil)
		return
	}

	attrs, err := s.service.FormatAt(r.Context(), sessionID, position)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"position": position, "attributes": attrs})
}

func (s *HTTPServer) handleHeartbeat(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		Position int `json:"position"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.Heartbeat(r.Context(), sessionID, actorName(r), body.Position); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLeave(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.service.LeaveSession(r.Context(), sessionID, actorName(r)); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCompleteSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, version, err := s.service.CompleteSession(r.Context(), sessionID, actorName(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := sessionPayload(session)
	payload["resultVersion"] = versionPayload(version)
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCancelSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.service.CancelSession(r.Context(), sessionID, actorName(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

// Search

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 20
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be between 1 and 100", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be a non-negative integer", nil)
			return
		}
		offset = parsed
	}

	response, err := s.service.Search(r.Context(), query.Get("q"), query.Get("type"), query.Get("contractId"), limit, offset)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// Payloads

func contractPayload(item store.Contract) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"title":     item.Title,
		"createdBy": item.CreatedBy,
		"createdAt": item.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func versionPayload(item store.DocumentVersion) map[string]any {
	return map[string]any{
		"id":            item.ID,
		"contractId":    item.ContractID,
		"versionNumber": item.VersionNumber,
		"versionType":   item.VersionType,
		"contentRef":    item.ContentRef,
		"contentSize":   item.ContentSize,
		"isCurrent":     item.IsCurrent,
		"author":        item.Author,
		"createdAt":     item.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func comparisonPayload(item store.DocumentComparison) map[string]any {
	return map[string]any{
		"id":              item.ID,
		"sourceVersionId": item.SourceVersionID,
		"targetVersionId": item.TargetVersionID,
		"similarityScore": item.SimilarityScore,
		"changeCount":     item.ChangeCount,
		"insertCount":     item.InsertCount,
		"deleteCount":     item.DeleteCount,
		"modifyCount":     item.ModifyCount,
		"moveCount":       item.MoveCount,
		"createdBy":       item.CreatedBy,
		"createdAt":       item.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func changePayloads(items []store.DocumentChange) []map[string]any {
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, changePayload(item))
	}
	return payload
}

func changePayload(item store.DocumentChange) map[string]any {
	payload := map[string]any{
		"id":            item.ID,
		"comparisonId":  item.ComparisonID,
		"changeType":    item.ChangeType,
		"sourceStart":   item.SourceStart,
		"sourceEnd":     item.SourceEnd,
		"targetStart":   item.TargetStart,
		"targetEnd":     item.TargetEnd,
		"category":      item.Category,
		"beforeText":    item.BeforeText,
		"afterText":     item.AfterText,
		"significance":  item.Significance,
		"isSignificant": item.IsSignificant,
		"status":        item.Status,
	}
	if item.ReviewedBy != "" {
		payload["reviewedBy"] = item.ReviewedBy
		payload["reviewComments"] = item.ReviewComments
	}
	if item.ReviewedAt != nil {
		payload["reviewedAt"] = item.ReviewedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func commentPayload(item store.DocumentComment) map[string]any {
	payload := map[string]any{
		"id":          item.ID,
		"versionId":   item.VersionID,
		"author":      item.Author,
		"body":        item.Text,
		"anchorStart": item.AnchorStart,
		"anchorEnd":   item.AnchorEnd,
		"status":      item.Status,
		"createdAt":   item.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":   item.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if item.ParentID != nil {
		payload["parentId"] = *item.ParentID
	}
	if item.ResolvedBy != "" {
		payload["resolvedBy"] = item.ResolvedBy
	}
	if item.ResolvedAt != nil {
		payload["resolvedAt"] = item.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func sessionPayload(item store.RedlineSession) map[string]any {
	payload := map[string]any{
		"id":              item.ID,
		"contractId":      item.ContractID,
		"sourceVersionId": item.SourceVersionID,
		"status":          item.Status,
		"createdBy":       item.CreatedBy,
		"createdAt":       item.CreatedAt.UTC().Format(time.RFC3339),
	}
	if item.ResultVersionID != nil {
		payload["resultVersionId"] = *item.ResultVersionID
	}
	if item.CompletedAt != nil {
		payload["completedAt"] = item.CompletedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func participantPayload(item store.RedlineParticipant) map[string]any {
	payload := map[string]any{
		"id":          item.ID,
		"sessionId":   item.SessionID,
		"displayName": item.DisplayName,
		"role":        item.Role,
		"canEdit":     item.CanEdit,
		"canComment":  item.CanComment,
		"canApprove":  item.CanApprove,
		"canInvite":   item.CanInvite,
		"joinedAt":    item.CreatedAt.UTC().Format(time.RFC3339),
	}
	if item.GuestEmail != "" {
		payload["guestEmail"] = item.GuestEmail
	}
	if item.InvitedBy != "" {
		payload["invitedBy"] = item.InvitedBy
	}
	return payload
}

func operationPayload(item store.EditingOperation) map[string]any {
	payload := map[string]any{
		"id":          item.ID,
		"sessionId":   item.SessionID,
		"seq":         item.Seq,
		"author":      item.Author,
		"parentSeq":   item.ParentSeq,
		"clientSeq":   item.ClientSeq,
		"kind":        item.Kind,
		"position":    item.Position,
		"length":      item.Length,
		"logicalTime": item.LogicalTime,
	}
	if item.Text != "" {
		payload["text"] = item.Text
	}
	if len(item.Attributes) > 0 {
		payload["attributes"] = item.Attributes
	}
	return payload
}

// Middleware and helpers

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Redline-Actor")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// actorName identifies the caller. There is no account system; clients send
// a display name with every request.
func actorName(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Redline-Actor"))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
