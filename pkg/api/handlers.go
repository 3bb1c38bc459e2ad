package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/opsgate/opsgate/pkg/approval"
	"github.com/opsgate/opsgate/pkg/audit"
	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/policy"
	"github.com/opsgate/opsgate/pkg/validate"
)

// bcryptCost is used when hashing a plaintext password at the boundary.
const bcryptCost = 12

type executeBody struct {
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// handleExecute runs read-only operations directly. Write operations
// always come back approval_required; the approvals endpoints are the
// only path to a privileged mutation.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var body executeBody
	if !decode(w, r, &body) {
		return
	}
	op := policy.OperationType(body.Operation)
	if !policy.IsReadOnly(op) {
		writeSuccess(w, http.StatusAccepted, map[string]any{
			"approval_required": true,
			"operation":         body.Operation,
		})
		return
	}
	res, err := s.engine.RunReadOnly(r.Context(), c, op, body.Payload)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"result": res})
}

type approvalCreateBody struct {
	RequestType string          `json:"request_type"`
	Payload     json.RawMessage `json:"payload"`
	Reason      string          `json:"reason"`
}

func (s *Server) handleApprovalCreate(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var body approvalCreateBody
	if !decode(w, r, &body) {
		return
	}
	payload, err := hashPassword(body.Payload)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	req, err := s.engine.Create(r.Context(), c, approval.CreateInput{
		Type:    policy.OperationType(body.RequestType),
		Payload: payload,
		Reason:  body.Reason,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{"request": req})
}

// hashPassword replaces a plaintext password field with its bcrypt hash
// before the payload is validated or persisted. The plaintext never
// reaches storage, logs, or an argument vector.
func hashPassword(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fault.Wrap(fault.Validation, "payload is not valid JSON", err)
	}
	pw, ok := obj["password"].(string)
	if !ok {
		return payload, nil
	}
	username, _ := obj["username"].(string)
	if err := validate.StrongPassword(pw, username); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcryptCost)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "hash password", err)
	}
	delete(obj, "password")
	obj["password_hash"] = string(hash)
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "re-encode payload", err)
	}
	return out, nil
}

type approveBody struct {
	Comment string `json:"comment"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var body approveBody
	if !decodeOptional(w, r, &body) {
		return
	}
	req, err := s.engine.Approve(r.Context(), c, r.PathValue("id"), body.Comment)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"request": req})
}

type rejectBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var body rejectBody
	if !decode(w, r, &body) {
		return
	}
	req, err := s.engine.Reject(r.Context(), c, r.PathValue("id"), body.Reason)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"request": req})
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var body cancelBody
	if !decodeOptional(w, r, &body) {
		return
	}
	req, err := s.engine.Cancel(r.Context(), c, r.PathValue("id"), body.Reason)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"request": req})
}

func (s *Server) handleApprovalExecute(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	req, err := s.engine.Execute(r.Context(), c, r.PathValue("id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"request": req})
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := approval.Filter{
		Status:      approval.Status(q.Get("status")),
		RequestType: policy.OperationType(q.Get("request_type")),
		Limit:       intParam(q.Get("limit"), 50),
		Offset:      intParam(q.Get("offset"), 0),
	}
	reqs, total, err := s.engine.List(r.Context(), c, f)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"requests": reqs,
		"total":    total,
		"limit":    f.Limit,
		"offset":   f.Offset,
	})
}

func (s *Server) handleApprovalDetail(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	req, err := s.engine.Get(r.Context(), c, r.PathValue("id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"request": req})
}

func (s *Server) handleRequestHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	entries, total, err := s.engine.History(r.Context(), c, approval.HistoryFilter{
		RequestID: r.PathValue("id"),
		Limit:     intParam(q.Get("limit"), 100),
		Offset:    intParam(q.Get("offset"), 0),
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	entries, total, err := s.engine.History(r.Context(), c, approval.HistoryFilter{
		RequestID: q.Get("request_id"),
		ActorID:   q.Get("actor_id"),
		Action:    audit.HistoryAction(q.Get("action")),
		Limit:     intParam(q.Get("limit"), 100),
		Offset:    intParam(q.Get("offset"), 0),
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

// handleHistoryExport returns the signed export bundle: every matching
// entry plus the ids whose signatures no longer verify.
func (s *Server) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	entries, invalid, err := s.engine.VerifiedHistory(r.Context(), c, approval.HistoryFilter{
		RequestID: q.Get("request_id"),
		ActorID:   q.Get("actor_id"),
		Limit:     intParam(q.Get("limit"), 10000),
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"generated_at":       time.Now().UTC(),
		"entries":            entries,
		"count":              len(entries),
		"invalid_signatures": invalid,
	})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	policies, err := s.engine.Policies(c)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	hours := intParam(r.URL.Query().Get("hours"), 168)
	if hours < 1 || hours > 8760 {
		writeBadRequest(w, r, "hours must be between 1 and 8760")
		return
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	stats, err := s.engine.Stats(r.Context(), c, since)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"stats": stats})
}

// decode reads a JSON body with a size cap. Unknown fields are rejected
// so typos surface as errors instead of silently dropped settings.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeBadRequest(w, r, "invalid request body")
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body is optional: an
// empty body leaves dst at its zero value.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeBadRequest(w, r, "invalid request body")
		return false
	}
	return true
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
