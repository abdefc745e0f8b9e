package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/infra/logging"
	"spiko-billing/internal/infra/metrics"
)

const maxBody = 1 << 16

type createPaymentRequest struct {
	Provider string `json:"provider" validate:"required,oneof=click payme noop"`
	PlanID   string `json:"planId" validate:"required,max=64"`
}

type createPaymentResponse struct {
	InternalTransactionID string `json:"internalTransactionId"`
	Provider              string `json:"provider"`
	ExternalID            string `json:"externalId"`
	PaymentURL            string `json:"paymentUrl,omitempty"`
	ProviderHandle        string `json:"providerHandle,omitempty"`
	Amount                int64  `json:"amount"`
	Currency              string `json:"currency"`
}

type verifyRequest struct {
	Provider string `json:"provider" validate:"required,oneof=click payme noop"`
	Token    string `json:"token" validate:"required,max=128"`
	PlanID   string `json:"planId" validate:"omitempty,max=64"`
}

type subscriptionView struct {
	Tier                   string     `json:"tier"`
	Active                 bool       `json:"active"`
	ExpiresAt              *time.Time `json:"expiresAt,omitempty"`
	ProviderSubscriptionID string     `json:"providerSubscriptionId,omitempty"`
}

type verifyResponse struct {
	Status                string           `json:"status"`
	InternalTransactionID string           `json:"internalTransactionId,omitempty"`
	Subscription          subscriptionView `json:"subscription"`
}

type transactionView struct {
	InternalID    string     `json:"internalId"`
	Provider      string     `json:"provider"`
	ExternalID    string     `json:"externalId"`
	ProviderRef   string     `json:"providerRef,omitempty"`
	UserID        string     `json:"userId"`
	PlanID        string     `json:"planId"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	State         string     `json:"state"`
	PrepareID     string     `json:"prepareId,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	PreparedAt    *time.Time `json:"preparedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
	FailedAt      *time.Time `json:"failedAt,omitempty"`
}

type rawEventView struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Accepted   bool      `json:"accepted"`
	Note       string    `json:"note,omitempty"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type jobView struct {
	TransactionID    string     `json:"transactionId"`
	Status           string     `json:"status"`
	Attempts         int        `json:"attempts"`
	NextAttemptAt    time.Time  `json:"nextAttemptAt"`
	LastError        string     `json:"lastError,omitempty"`
	AppliedExpiresAt *time.Time `json:"appliedExpiresAt,omitempty"`
}

func toTransactionView(t *model.Transaction) transactionView {
	return transactionView{
		InternalID:    t.InternalID,
		Provider:      t.Provider,
		ExternalID:    t.ExternalID,
		ProviderRef:   t.ProviderRef,
		UserID:        t.UserID,
		PlanID:        t.PlanID,
		Amount:        t.Amount,
		Currency:      t.Currency,
		State:         string(t.State),
		PrepareID:     t.PrepareID,
		FailureReason: t.FailureReason,
		CreatedAt:     t.CreatedAt,
		PreparedAt:    t.PreparedAt,
		CompletedAt:   t.CompletedAt,
		CancelledAt:   t.CancelledAt,
		FailedAt:      t.FailedAt,
	}
}

func toSubscriptionView(s model.Subscription) subscriptionView {
	tier := s.Tier
	if tier == "" {
		tier = model.TierFree
	}
	return subscriptionView{
		Tier:                   tier,
		Active:                 s.Active(time.Now()),
		ExpiresAt:              s.ExpiresAt,
		ProviderSubscriptionID: s.ProviderSubscriptionID,
	}
}

func toJobView(j *model.ReconciliationJob) jobView {
	return jobView{
		TransactionID:    j.TransactionID,
		Status:           string(j.Status),
		Attempts:         j.Attempts,
		NextAttemptAt:    j.NextAttemptAt,
		LastError:        j.LastError,
		AppliedExpiresAt: j.AppliedExpiresAt,
	}
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	init, err := s.payments.CreatePayment(r.Context(), UserID(r.Context()), req.Provider, req.PlanID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createPaymentResponse{
		InternalTransactionID: init.InternalTransactionID,
		Provider:              init.Provider,
		ExternalID:            init.ExternalID,
		PaymentURL:            init.PaymentURL,
		ProviderHandle:        init.ProviderHandle,
		Amount:                init.Amount,
		Currency:              init.Currency,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	start := time.Now()
	v, err := s.payments.VerifyPurchase(r.Context(), UserID(r.Context()), req.Provider, req.Token, req.PlanID)
	result := "error"
	if err == nil {
		result = string(v.Status)
	}
	metrics.PaymentVerifyRequests.WithLabelValues(req.Provider, result).Inc()
	metrics.PaymentVerifyDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := verifyResponse{Status: string(v.Status), Subscription: toSubscriptionView(v.Subscription)}
	if v.Transaction != nil {
		resp.InternalTransactionID = v.Transaction.InternalID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.payments.Cancel(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionView(t))
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.Get(r.Context(), UserID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionView(sub))
}

func (s *Server) handleAdminTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.ledger.RawEvents(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]rawEventView, 0, len(events))
	for _, e := range events {
		views = append(views, rawEventView{
			ID:         e.ID,
			Action:     string(e.Action),
			Accepted:   e.Accepted,
			Note:       e.Note,
			Payload:    string(e.Payload),
			ReceivedAt: e.ReceivedAt,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Transaction transactionView `json:"transaction"`
		RawEvents   []rawEventView  `json:"rawEvents"`
	}{toTransactionView(t), views})
}

func (s *Server) handleAdminUserTransactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list, err := s.ledger.ListByUser(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]transactionView, 0, len(list))
	for _, t := range list {
		items = append(items, toTransactionView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAdminJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.reconciler.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

func (s *Server) handleAdminRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	retryErr := s.reconciler.Requeue(r.Context(), id)
	if errors.Is(retryErr, domain.ErrTransactionNotFound) {
		s.fail(w, r, retryErr)
		return
	}
	job, err := s.reconciler.Job(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if retryErr != nil {
		// the job stays queued with its new backoff
		status = http.StatusAccepted
	}
	writeJSON(w, status, toJobView(job))
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Snapshot(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	l := logging.With(r.Context(), s.log)
	if status >= http.StatusInternalServerError {
		l.Error().Err(err).Msg("request failed")
	} else {
		l.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeError(w, status, msg)
}

// statusFor maps domain errors onto the client-facing status. Payment protocol
// codes never reach the client.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "too many payment attempts, try again later"
	case errors.Is(err, domain.ErrUnknownProvider),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrMalformedRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrPlanNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrAlreadyProcessed),
		errors.Is(err, domain.ErrTransactionCancelled),
		errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrAmountMismatch):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusBadGateway, "payment provider unavailable"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
