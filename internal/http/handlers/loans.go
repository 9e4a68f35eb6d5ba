package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shelfkey/server/internal/loan"
	"github.com/shelfkey/server/internal/model"
)

// LoanHandler serves /loans
type LoanHandler struct {
	loans  *loan.Manager
	logger *slog.Logger
}

// NewLoanHandler creates a loan handler
func NewLoanHandler(loans *loan.Manager, logger *slog.Logger) *LoanHandler {
	return &LoanHandler{loans: loans, logger: logger}
}

type createLoanRequest struct {
	BookID   string `json:"bookId" validate:"required,uuid"`
	LoanType string `json:"loanType" validate:"omitempty,oneof=subscription trial"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type loanSummary struct {
	ActiveLoans int  `json:"activeLoans"`
	MaxLoans    int  `json:"maxLoans"`
	CanBorrow   bool `json:"canBorrow"`
}

// HandleCreate handles POST /loans
func (h *LoanHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "create loan", err)
		return
	}
	var req createLoanRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, r, h.logger, "create loan", err)
		return
	}
	bookID, err := parseID(req.BookID, "bookId")
	if err != nil {
		respondWithError(w, r, h.logger, "create loan", err)
		return
	}

	l, err := h.loans.CreateLoan(r.Context(), user.ID, bookID, model.LoanType(req.LoanType))
	if err != nil {
		respondWithError(w, r, h.logger, "create loan", err)
		return
	}
	respondJSON(w, r, http.StatusCreated, map[string]interface{}{"loan": l})
}

// HandleReturn handles POST /loans/{loanId}/return
func (h *LoanHandler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "return loan", err)
		return
	}
	loanID, err := parseID(chi.URLParam(r, "loanId"), "loanId")
	if err != nil {
		respondWithError(w, r, h.logger, "return loan", err)
		return
	}
	if _, err := h.loans.ReturnLoan(r.Context(), loanID, user.ID); err != nil {
		respondWithError(w, r, h.logger, "return loan", err)
		return
	}
	respondJSON(w, r, http.StatusOK, messageResponse{Message: "Loan returned successfully"})
}

// HandleList handles GET /loans?status=
func (h *LoanHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "list loans", err)
		return
	}
	var status *model.LoanStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := model.LoanStatus(raw)
		status = &s
	}

	loans, err := h.loans.GetUserLoans(r.Context(), user.ID, status)
	if err != nil {
		respondWithError(w, r, h.logger, "list loans", err)
		return
	}
	borrow, err := h.loans.CanBorrow(r.Context(), user.ID)
	if err != nil {
		respondWithError(w, r, h.logger, "list loans", err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"loans": loans,
		"summary": loanSummary{
			ActiveLoans: borrow.ActiveLoans,
			MaxLoans:    borrow.MaxLoans,
			CanBorrow:   borrow.CanBorrow,
		},
	})
}

// HandleStatistics handles GET /loans/statistics (admin)
func (h *LoanHandler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.loans.GetLoanStatistics(r.Context())
	if err != nil {
		respondWithError(w, r, h.logger, "loan statistics", err)
		return
	}
	respondJSON(w, r, http.StatusOK, stats)
}

// HandleAllActive handles GET /loans/admin/active (admin)
func (h *LoanHandler) HandleAllActive(w http.ResponseWriter, r *http.Request) {
	loans, err := h.loans.GetAllActiveLoans(r.Context())
	if err != nil {
		respondWithError(w, r, h.logger, "list active loans", err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]interface{}{"loans": loans, "count": len(loans)})
}

// HandleRevoke handles POST /loans/{loanId}/revoke (admin)
func (h *LoanHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	admin, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "revoke loan", err)
		return
	}
	loanID, err := parseID(chi.URLParam(r, "loanId"), "loanId")
	if err != nil {
		respondWithError(w, r, h.logger, "revoke loan", err)
		return
	}
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		respondWithError(w, r, h.logger, "revoke loan", err)
		return
	}
	if _, err := h.loans.RevokeLoan(r.Context(), loanID, admin, req.Reason); err != nil {
		respondWithError(w, r, h.logger, "revoke loan", err)
		return
	}
	respondJSON(w, r, http.StatusOK, messageResponse{Message: "Loan revoked successfully"})
}

// HandleReturnAll handles POST /loans/admin/users/{userId}/return-all (admin)
func (h *LoanHandler) HandleReturnAll(w http.ResponseWriter, r *http.Request) {
	admin, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "return all loans", err)
		return
	}
	userID, err := parseID(chi.URLParam(r, "userId"), "userId")
	if err != nil {
		respondWithError(w, r, h.logger, "return all loans", err)
		return
	}
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		respondWithError(w, r, h.logger, "return all loans", err)
		return
	}
	if req.Reason == "" {
		req.Reason = "admin request"
	}

	n, err := h.loans.ReturnAllUserLoans(r.Context(), userID, req.Reason)
	if err != nil {
		respondWithError(w, r, h.logger, "return all loans", err)
		return
	}
	h.logger.InfoContext(r.Context(), "admin returned all loans",
		slog.String("admin_id", admin.ID.String()),
		slog.String("user_id", userID.String()),
		slog.Int("count", n),
	)
	respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("Returned %d active loans", n),
		"count":   n,
	})
}
