package service

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"notepool/observability"
	"notepool/pool"
	"notepool/storage"
)

// Server exposes one pool engine over HTTP. Mutating endpoints persist the
// resulting snapshot before acknowledging, so a restart never serves a stale
// valuation as current.
type Server struct {
	pool    *pool.Pool
	store   *storage.SnapshotStore
	logger  *slog.Logger
	handler http.Handler
}

// Options carries the optional collaborators for a Server.
type Options struct {
	Auth    *Authenticator
	Limiter *RateLimiter
	Store   *storage.SnapshotStore
	Logger  *slog.Logger
}

// New constructs the HTTP surface for the supplied pool.
func New(p *pool.Pool, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{pool: p, store: opts.Store, logger: logger}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1", func(v1 chi.Router) {
		if opts.Limiter != nil {
			v1.Use(opts.Limiter.Middleware)
		}
		if opts.Auth != nil {
			v1.Use(opts.Auth.Middleware)
		}
		v1.Get("/pool", s.instrument("pool", s.handleSnapshot))
		v1.Get("/pool/nav", s.instrument("nav", s.handleNAV))
		v1.Get("/pool/prices", s.instrument("prices", s.handlePrices))
		v1.Get("/pool/ratio", s.instrument("ratio", s.handleRatio))
		v1.Get("/loans/{id}", s.instrument("loan", s.handleLoan))
		v1.Post("/invest", s.instrument("invest", s.handleInvest))
		v1.Post("/redeem", s.instrument("redeem", s.handleRedeem))
		v1.Post("/drawdown", s.instrument("drawdown", s.handleDrawdown))
		v1.Post("/repay", s.instrument("repay", s.handleRepay))
		v1.Post("/risk-scores", s.instrument("risk_scores", s.handleRiskScores))
		v1.Post("/loans/{id}/risk-score", s.instrument("loan_risk_score", s.handleLoanRiskScore))
		v1.Post("/cycle/start", s.instrument("cycle_start", s.handleCycleStart))
		v1.Post("/cycle/close", s.instrument("cycle_close", s.handleCycleClose))
		v1.Post("/rebase", s.instrument("rebase", s.handleRebase))
	})
	s.handler = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		observability.API().Observe(route, recorder.status, time.Since(started))
	}
}

// --- payloads ---

type snapshotPayload struct {
	State           string    `json:"state"`
	Reserve         string    `json:"reserve"`
	NAV             string    `json:"nav"`
	SeniorDebt      string    `json:"seniorDebt"`
	SeniorBalance   string    `json:"seniorBalance"`
	SeniorSupply    string    `json:"seniorSupply"`
	JuniorSupply    string    `json:"juniorSupply"`
	SeniorPrice     string    `json:"seniorPrice"`
	JuniorPrice     string    `json:"juniorPrice"`
	JuniorRatio     string    `json:"juniorRatio"`
	JuniorShortfall string    `json:"juniorShortfall"`
	TotalDrawn      string    `json:"totalDrawn"`
	ActiveLoans     int       `json:"activeLoans"`
	Timestamp       time.Time `json:"timestamp"`
}

func toSnapshotPayload(snapshot pool.Snapshot) snapshotPayload {
	str := func(v *big.Int) string {
		if v == nil {
			return "0"
		}
		return v.String()
	}
	return snapshotPayload{
		State:           snapshot.State.String(),
		Reserve:         str(snapshot.Reserve),
		NAV:             str(snapshot.NAV),
		SeniorDebt:      str(snapshot.SeniorDebt),
		SeniorBalance:   str(snapshot.SeniorBalance),
		SeniorSupply:    str(snapshot.SeniorSupply),
		JuniorSupply:    str(snapshot.JuniorSupply),
		SeniorPrice:     str(snapshot.SeniorPrice),
		JuniorPrice:     str(snapshot.JuniorPrice),
		JuniorRatio:     str(snapshot.JuniorRatio),
		JuniorShortfall: str(snapshot.JuniorShortfall),
		TotalDrawn:      str(snapshot.TotalDrawn),
		ActiveLoans:     snapshot.ActiveLoans,
		Timestamp:       snapshot.Timestamp,
	}
}

type loanPayload struct {
	ID          string    `json:"id"`
	Principal   string    `json:"principal"`
	FutureValue string    `json:"futureValue"`
	IssuedAt    time.Time `json:"issuedAt"`
	MaturesAt   time.Time `json:"maturesAt"`
	ScoreIndex  int       `json:"scoreIndex"`
	WrittenOff  bool      `json:"writtenOff"`
	Salvage     string    `json:"salvage"`
}

type investRequest struct {
	Tranche string `json:"tranche"`
	Amount  string `json:"amount"`
}

type investResponse struct {
	Minted   string          `json:"minted"`
	Snapshot snapshotPayload `json:"snapshot"`
}

type redeemRequest struct {
	Tranche string `json:"tranche"`
	Tokens  string `json:"tokens"`
}

type redeemResponse struct {
	Payout   string          `json:"payout"`
	Snapshot snapshotPayload `json:"snapshot"`
}

type drawdownRequest struct {
	LoanID      string    `json:"loanId,omitempty"`
	Principal   string    `json:"principal"`
	MaturesAt   time.Time `json:"maturesAt"`
	ScoreIndex  int       `json:"scoreIndex"`
	Attestation string    `json:"attestation,omitempty"`
}

type drawdownResponse struct {
	LoanID   string          `json:"loanId"`
	NAV      string          `json:"nav"`
	Snapshot snapshotPayload `json:"snapshot"`
}

type repayItem struct {
	LoanID string `json:"loanId"`
	Amount string `json:"amount"`
}

type repayRequest struct {
	Items []repayItem `json:"items"`
}

type repayResponse struct {
	Settled  []string        `json:"settled"`
	Snapshot snapshotPayload `json:"snapshot"`
}

type scorePayload struct {
	DaysPastDue                  int64 `json:"daysPastDue"`
	AdvanceRate                  int64 `json:"advanceRate"`
	PenaltyRate                  int64 `json:"penaltyRate"`
	InterestRate                 int64 `json:"interestRate"`
	ProbabilityOfDefault         int64 `json:"probabilityOfDefault"`
	LossGivenDefault             int64 `json:"lossGivenDefault"`
	GracePeriodDays              int64 `json:"gracePeriodDays"`
	CollectionPeriodDays         int64 `json:"collectionPeriodDays"`
	WriteOffAfterGracePeriodDays int64 `json:"writeOffAfterGracePeriodDays"`
	WriteOffAfterCollectionDays  int64 `json:"writeOffAfterCollectionDays"`
	DiscountRate                 int64 `json:"discountRate"`
}

type riskScoreRequest struct {
	Scores []scorePayload `json:"scores"`
}

type loanScoreRequest struct {
	ScoreIndex int `json:"scoreIndex"`
}

type cycleStartRequest struct {
	SeniorRate int64 `json:"seniorRate"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- handlers ---

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSnapshotPayload(s.pool.Snapshot()))
}

func (s *Server) handleNAV(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"nav": s.pool.CurrentNAV().String()})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	junior, senior := s.pool.TokenPrices()
	writeJSON(w, http.StatusOK, map[string]string{
		"junior": junior.String(),
		"senior": senior.String(),
	})
}

func (s *Server) handleRatio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"juniorRatio": s.pool.JuniorRatio().String()})
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loan id")
		return
	}
	loan, err := s.pool.Loan(id)
	if err != nil {
		s.writeEngineError(w, "loan", err)
		return
	}
	writeJSON(w, http.StatusOK, loanPayload{
		ID:          loan.ID.String(),
		Principal:   loan.Principal.String(),
		FutureValue: loan.FutureValue.String(),
		IssuedAt:    loan.IssuedAt,
		MaturesAt:   loan.MaturesAt,
		ScoreIndex:  loan.ScoreIndex,
		WrittenOff:  loan.WrittenOff,
		Salvage:     loan.Salvage.String(),
	})
}

func (s *Server) handleInvest(w http.ResponseWriter, r *http.Request) {
	var req investRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tranche, ok := parseTranche(req.Tranche)
	if !ok {
		writeError(w, http.StatusBadRequest, "tranche must be senior or junior")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	minted, err := s.pool.Invest(tranche, amount)
	observability.Pool().RecordOperation(s.pool.ID(), "invest", err)
	if err != nil {
		s.writeEngineError(w, "invest", err)
		return
	}
	snapshot, ok := s.persist(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, investResponse{Minted: minted.String(), Snapshot: toSnapshotPayload(snapshot)})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tranche, ok := parseTranche(req.Tranche)
	if !ok {
		writeError(w, http.StatusBadRequest, "tranche must be senior or junior")
		return
	}
	tokens, ok := parseAmount(req.Tokens)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid token amount")
		return
	}
	payout, err := s.pool.Redeem(tranche, tokens)
	observability.Pool().RecordOperation(s.pool.ID(), "redeem", err)
	if err != nil {
		s.writeEngineError(w, "redeem", err)
		return
	}
	snapshot, ok := s.persist(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{Payout: payout.String(), Snapshot: toSnapshotPayload(snapshot)})
}

func (s *Server) handleDrawdown(w http.ResponseWriter, r *http.Request) {
	var req drawdownRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	principal, ok := parseAmount(req.Principal)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid principal")
		return
	}
	order := pool.DrawdownOrder{
		Principal:  principal,
		MaturesAt:  req.MaturesAt,
		ScoreIndex: req.ScoreIndex,
	}
	if req.LoanID != "" {
		id, err := uuid.Parse(req.LoanID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid loan id")
			return
		}
		order.LoanID = id
	}
	if req.Attestation != "" {
		attestation, err := base64.StdEncoding.DecodeString(req.Attestation)
		if err != nil {
			writeError(w, http.StatusBadRequest, "attestation must be base64")
			return
		}
		order.Attestation = attestation
	}
	id, nav, err := s.pool.Drawdown(order)
	observability.Pool().RecordOperation(s.pool.ID(), "drawdown", err)
	if err != nil {
		s.writeEngineError(w, "drawdown", err)
		return
	}
	snapshot, ok := s.persist(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, drawdownResponse{
		LoanID:   id.String(),
		NAV:      nav.String(),
		Snapshot: toSnapshotPayload(snapshot),
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	items := make([]pool.RepaymentItem, 0, len(req.Items))
	for _, item := range req.Items {
		id, err := uuid.Parse(item.LoanID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid loan id")
			return
		}
		amount, ok := parseAmount(item.Amount)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid amount")
			return
		}
		items = append(items, pool.RepaymentItem{LoanID: id, Amount: amount})
	}
	settled, err := s.pool.RepayBatch(items)
	observability.Pool().RecordOperation(s.pool.ID(), "repay", err)
	if err != nil {
		s.writeEngineError(w, "repay", err)
		return
	}
	snapshot, ok := s.persist(w)
	if !ok {
		return
	}
	response := repayResponse{Settled: make([]string, len(settled)), Snapshot: toSnapshotPayload(snapshot)}
	for i, amount := range settled {
		response.Settled[i] = amount.String()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRiskScores(w http.ResponseWriter, r *http.Request) {
	var req riskScoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	scores := make([]pool.RiskScore, len(req.Scores))
	for i, payload := range req.Scores {
		scores[i] = pool.RiskScore{
			DaysPastDueThreshold:          time.Duration(payload.DaysPastDue) * 24 * time.Hour,
			AdvanceRate:                   big.NewInt(payload.AdvanceRate),
			PenaltyRate:                   big.NewInt(payload.PenaltyRate),
			InterestRate:                  big.NewInt(payload.InterestRate),
			ProbabilityOfDefault:          big.NewInt(payload.ProbabilityOfDefault),
			LossGivenDefault:              big.NewInt(payload.LossGivenDefault),
			GracePeriod:                   time.Duration(payload.GracePeriodDays) * 24 * time.Hour,
			CollectionPeriod:              time.Duration(payload.CollectionPeriodDays) * 24 * time.Hour,
			WriteOffAfterGracePeriod:      time.Duration(payload.WriteOffAfterGracePeriodDays) * 24 * time.Hour,
			WriteOffAfterCollectionPeriod: time.Duration(payload.WriteOffAfterCollectionDays) * 24 * time.Hour,
			DiscountRate:                  big.NewInt(payload.DiscountRate),
		}
	}
	err := s.pool.RegisterRiskScores(scores)
	observability.Pool().RecordOperation(s.pool.ID(), "risk_scores", err)
	if err != nil {
		s.writeEngineError(w, "risk_scores", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"registered": len(scores)})
}

func (s *Server) handleLoanRiskScore(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loan id")
		return
	}
	var req loanScoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err = s.pool.ChangeRiskScore(id, req.ScoreIndex)
	observability.Pool().RecordOperation(s.pool.ID(), "loan_risk_score", err)
	if err != nil {
		s.writeEngineError(w, "loan_risk_score", err)
		return
	}
	snapshot, ok := s.persist(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotPayload(snapshot))
}

func (s *Server) handleCycleStart(w http.ResponseWriter, r *http.Request) {
	var req cycleStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.pool.StartCycle(big.NewInt(req.SeniorRate))
	observability.Pool().RecordOperation(s.pool.ID(), "cycle_start", err)
	if err != nil {
		s.writeEngineError(w, "cycle_start", err)
		return
	}
	snapshot, ok := s.persist(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotPayload(snapshot))
}

func (s *Server) handleCycleClose(w http.ResponseWriter, r *http.Request) {
	err := s.pool.Close()
	observability.Pool().RecordOperation(s.pool.ID(), "cycle_close", err)
	if err != nil {
		s.writeEngineError(w, "cycle_close", err)
		return
	}
	snapshot, ok := s.persist(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotPayload(snapshot))
}

func (s *Server) handleRebase(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.pool.Rebase()
	observability.Pool().RecordOperation(s.pool.ID(), "rebase", err)
	if err != nil {
		s.writeEngineError(w, "rebase", err)
		return
	}
	if _, ok := s.saveSnapshot(w, snapshot); !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotPayload(snapshot))
}

// --- helpers ---

// persist stores the post-operation snapshot and publishes gauges. A false
// return means an error response was already written.
func (s *Server) persist(w http.ResponseWriter) (pool.Snapshot, bool) {
	return s.saveSnapshot(w, s.pool.Snapshot())
}

func (s *Server) saveSnapshot(w http.ResponseWriter, snapshot pool.Snapshot) (pool.Snapshot, bool) {
	observability.Pool().UpdateValuation(s.pool.ID(),
		snapshot.NAV, snapshot.Reserve,
		snapshot.SeniorSupply, snapshot.JuniorSupply,
		snapshot.SeniorPrice, snapshot.JuniorPrice,
		snapshot.JuniorRatio, snapshot.JuniorShortfall)
	if s.store == nil {
		return snapshot, true
	}
	if _, err := s.store.Save(s.pool.ID(), snapshot); err != nil {
		s.logger.Error("snapshot persist failed", "pool", s.pool.ID(), "error", err)
		writeError(w, statusFor(err), "snapshot persistence failed")
		return snapshot, false
	}
	return snapshot, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, operation string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("operation failed", "operation", operation, "error", err)
	} else {
		s.logger.Info("operation rejected", "operation", operation, "error", err)
	}
	writeError(w, status, err.Error())
}

func parseTranche(raw string) (pool.Tranche, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "senior", "sot":
		return pool.Senior, true
	case "junior", "jot":
		return pool.Junior, true
	default:
		return pool.Senior, false
	}
}

func parseAmount(raw string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return amount, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
