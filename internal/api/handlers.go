package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/promobot/internal/coupon"
	"github.com/foxzi/promobot/internal/models"
	"github.com/foxzi/promobot/internal/repository"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Database string `json:"database"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// DrainResponse is the response of the manual drain endpoints
type DrainResponse struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

// LastCheckResponse is the response for GET /cron/last-attention-check
type LastCheckResponse struct {
	LastCheck *time.Time `json:"lastCheck"`
}

// CouponListResponse is the response for GET /coupons
type CouponListResponse struct {
	Coupons []models.CouponCode `json:"coupons"`
	Total   int                 `json:"total"`
}

// SettingResponse is the response of the settings endpoints
type SettingResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type validatable interface {
	Validate() error
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  Version,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		Database: "ok",
	}

	status := http.StatusOK
	if s.deps.DB != nil {
		if err := s.deps.DB.PingContext(r.Context()); err != nil {
			s.logger.Error("database ping failed", "error", err)
			resp.Status = "degraded"
			resp.Database = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	s.sendJSON(w, status, resp)
}

// handleCreatePost handles POST /api/v1/posts
func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req CreatePostRequest
	if !s.decode(w, r, &req) {
		return
	}

	post := &models.Post{
		Image:        req.Image,
		Description:  req.Description,
		LinkToButton: req.LinkToButton,
	}
	if err := s.deps.Posts.Create(r.Context(), post); err != nil {
		s.logger.Error("failed to create post", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create post")
		return
	}

	s.sendJSON(w, http.StatusCreated, post)
}

// handleGetPost handles GET /api/v1/posts/{id}
func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}

	post, err := s.deps.Posts.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get post", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get post")
		return
	}
	if post == nil {
		s.sendError(w, http.StatusNotFound, "Post not found")
		return
	}

	s.sendJSON(w, http.StatusOK, post)
}

// handleDeletePost handles DELETE /api/v1/posts/{id}
func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}

	if err := s.deps.Posts.Delete(r.Context(), id); err != nil {
		s.sendStoreError(w, err, "Post not found", "Failed to delete post")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleEnqueuePost handles POST /api/v1/posts/{id}/queue
func (s *Server) handleEnqueuePost(w http.ResponseWriter, r *http.Request) {
	s.enqueueChatIDs(w, r, s.deps.PostQueue)
}

// handleEnqueuePostAll handles POST /api/v1/posts/{id}/queue/all
func (s *Server) handleEnqueuePostAll(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}

	result, err := s.deps.PostQueue.EnqueueAllActive(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err, "Post not found", "Failed to enqueue post")
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

// handleEnqueuePostAttention handles POST /api/v1/posts/{id}/queue/attention
func (s *Server) handleEnqueuePostAttention(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}

	result, err := s.deps.PostQueue.EnqueueAttentionNeeded(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err, "Post not found", "Failed to enqueue post")
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

// handleCreateSalesRule handles POST /api/v1/sales-rules
func (s *Server) handleCreateSalesRule(w http.ResponseWriter, r *http.Request) {
	var req CreateSalesRuleRequest
	if !s.decode(w, r, &req) {
		return
	}

	rule := &models.SalesRule{
		Name:        req.Name,
		Description: req.Description,
		Image:       req.Image,
		MaxUses:     req.MaxUses,
	}
	if err := s.deps.SalesRules.Create(r.Context(), rule); err != nil {
		s.logger.Error("failed to create sales rule", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create sales rule")
		return
	}

	s.sendJSON(w, http.StatusCreated, rule)
}

// handleGetSalesRule handles GET /api/v1/sales-rules/{id}
func (s *Server) handleGetSalesRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}

	rule, err := s.deps.SalesRules.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get sales rule", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get sales rule")
		return
	}
	if rule == nil {
		s.sendError(w, http.StatusNotFound, "Sales rule not found")
		return
	}

	s.sendJSON(w, http.StatusOK, rule)
}

// handleDeleteSalesRule handles DELETE /api/v1/sales-rules/{id}
func (s *Server) handleDeleteSalesRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}

	if err := s.deps.SalesRules.Delete(r.Context(), id); err != nil {
		s.sendStoreError(w, err, "Sales rule not found", "Failed to delete sales rule")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleEnqueueSalesRule handles POST /api/v1/sales-rules/{id}/queue
func (s *Server) handleEnqueueSalesRule(w http.ResponseWriter, r *http.Request) {
	s.enqueueChatIDs(w, r, s.deps.SalesRuleQueue)
}

// handleSendSalesRule handles POST /api/v1/sales-rules/{id}/send
func (s *Server) handleSendSalesRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}

	var req ChatIDsRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.deps.Issuer.IssueForCampaign(r.Context(), id, req.ChatIDs)
	if err != nil {
		s.sendStoreError(w, err, "Sales rule not found", "Failed to send coupons")
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

// handleDeleteUsers handles DELETE /api/v1/users
func (s *Server) handleDeleteUsers(w http.ResponseWriter, r *http.Request) {
	var req ChatIDsRequest
	if !s.decode(w, r, &req) {
		return
	}

	deleted, err := s.deps.Users.DeleteByChatIDs(r.Context(), req.ChatIDs)
	if err != nil {
		s.logger.Error("failed to delete users", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete users")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{"deletedCount": deleted})
}

// handleResetAttention handles POST /api/v1/users/attention/reset
func (s *Server) handleResetAttention(w http.ResponseWriter, r *http.Request) {
	var req ChatIDsRequest
	if !s.decode(w, r, &req) {
		return
	}

	reset, err := s.deps.Attention.ResetByChatIDs(r.Context(), req.ChatIDs)
	if err != nil {
		s.logger.Error("failed to reset attention", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to reset attention")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{"resetCount": reset})
}

// handleListCoupons handles GET /api/v1/coupons
func (s *Server) handleListCoupons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.CouponFilter{
		UsageStatus: q.Get("status"),
		Limit:       100,
	}

	switch filter.UsageStatus {
	case "", "used", "unused":
	default:
		s.sendError(w, http.StatusBadRequest, "status must be used or unused")
		return
	}

	ints := []struct {
		name   string
		target *int
	}{
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	}
	for _, p := range ints {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				s.sendError(w, http.StatusBadRequest, "Invalid "+p.name)
				return
			}
			*p.target = n
		}
	}

	if v := q.Get("sales_rule_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			s.sendError(w, http.StatusBadRequest, "Invalid sales_rule_id")
			return
		}
		filter.SalesRuleID = id
	}

	for name, target := range map[string]**time.Time{"from": &filter.DateFrom, "to": &filter.DateTo} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.sendError(w, http.StatusBadRequest, "Invalid "+name+", expected RFC3339")
				return
			}
			*target = &t
		}
	}

	coupons, total, err := s.deps.Coupons.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list coupons", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list coupons")
		return
	}
	if coupons == nil {
		coupons = []models.CouponCode{}
	}

	s.sendJSON(w, http.StatusOK, CouponListResponse{Coupons: coupons, Total: total})
}

// handleLookupCoupon handles GET /api/v1/coupons/{code}
func (s *Server) handleLookupCoupon(w http.ResponseWriter, r *http.Request) {
	query, err := s.deps.Redeemer.Lookup(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.logger.Error("failed to look up coupon", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to look up coupon")
		return
	}

	status := http.StatusOK
	if query.State == coupon.StateRejected {
		status = http.StatusNotFound
	}
	s.sendJSON(w, status, query)
}

// handleUpdateCoupon handles PUT /api/v1/coupons/{id}
func (s *Server) handleUpdateCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "ref")
	if !ok {
		return
	}

	var req UpdateCouponRequest
	if !s.decode(w, r, &req) {
		return
	}

	c, err := s.deps.Coupons.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get coupon", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get coupon")
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Coupon not found")
		return
	}

	updated, err := s.deps.Coupons.Patch(r.Context(), id, repository.CouponPatch{
		MaxUses:       req.MaxUses,
		UsesCount:     req.UsesCount,
		IsSent:        req.IsSent,
		ReadUsesCount: c.UsesCount,
	})
	switch {
	case errors.Is(err, repository.ErrUsesOverCap):
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, repository.ErrUsesChanged):
		s.sendError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.sendStoreError(w, err, "Coupon not found", "Failed to update coupon")
		return
	}

	s.sendJSON(w, http.StatusOK, updated)
}

// handleUseCoupon handles POST /api/v1/coupons/{id}/use
func (s *Server) handleUseCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "ref")
	if !ok {
		return
	}

	conf, err := s.deps.Redeemer.Confirm(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to use coupon", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to use coupon")
		return
	}

	status := http.StatusOK
	switch conf.State {
	case coupon.StateRejected:
		status = http.StatusNotFound
	case coupon.StateExhausted:
		status = http.StatusConflict
	}
	s.sendJSON(w, status, conf)
}

// handleGetSetting handles GET /api/v1/settings/{key}
func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	value, err := s.deps.Settings.Get(r.Context(), key, "")
	if err != nil {
		s.logger.Error("failed to get setting", "key", key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get setting")
		return
	}
	if value == "" {
		s.sendError(w, http.StatusNotFound, "Setting not found")
		return
	}

	s.sendJSON(w, http.StatusOK, SettingResponse{Key: key, Value: value})
}

// handlePutSetting handles PUT /api/v1/settings/{key}
func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req SettingRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.deps.Settings.Set(r.Context(), key, req.Value, req.Description); err != nil {
		s.logger.Error("failed to set setting", "key", key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to set setting")
		return
	}

	s.sendJSON(w, http.StatusOK, SettingResponse{Key: key, Value: req.Value})
}

// handleQueueStats serves the backlog of one queue
func (s *Server) handleQueueStats(q Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := q.Stats(r.Context())
		if err != nil {
			s.logger.Error("failed to get queue stats", "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
			return
		}
		s.sendJSON(w, http.StatusOK, stats)
	}
}

// handleRunDrain runs one drain cycle of a queue
func (s *Server) handleRunDrain(d Drainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := d.DrainNow(r.Context())
		if err != nil {
			s.logger.Error("manual drain failed", "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to process queue")
			return
		}
		s.sendJSON(w, http.StatusOK, DrainResponse{Success: true, Result: result})
	}
}

// handleLastAttentionCheck handles GET /api/v1/cron/last-attention-check
func (s *Server) handleLastAttentionCheck(w http.ResponseWriter, r *http.Request) {
	var resp LastCheckResponse
	if t, ok := s.deps.Attention.LastScanTime(); ok {
		resp.LastCheck = &t
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleRunAttentionCheck handles POST /api/v1/cron/run-attention-check
func (s *Server) handleRunAttentionCheck(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Attention.Scan(r.Context())
	if err != nil {
		s.logger.Error("manual attention scan failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to run attention check")
		return
	}
	s.sendJSON(w, http.StatusOK, DrainResponse{Success: true, Result: result})
}

// enqueueChatIDs handles the explicit-recipient enqueue endpoints
func (s *Server) enqueueChatIDs(w http.ResponseWriter, r *http.Request, q Enqueuer) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}

	var req ChatIDsRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := q.Enqueue(r.Context(), id, req.ChatIDs)
	if err != nil {
		s.sendStoreError(w, err, "Content not found", "Failed to enqueue")
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

// decode reads a JSON body into v and validates it. It writes the 400
// response itself and reports whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v validatable) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := v.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// parseID reads a positive numeric URL parameter
func (s *Server) parseID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		s.sendError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}

// sendStoreError maps models.ErrNotFound to 404 and everything else to 500
func (s *Server) sendStoreError(w http.ResponseWriter, err error, notFound, failed string) {
	if errors.Is(err, models.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, notFound)
		return
	}
	s.logger.Error(failed, "error", err)
	s.sendError(w, http.StatusInternalServerError, failed)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
