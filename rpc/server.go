package rpc

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tranchelend/indexer"
	"tranchelend/native/escrow"
	"tranchelend/native/lending"
	"tranchelend/observability"
)

// LoanReader is the read-only state surface the query endpoints consume.
type LoanReader interface {
	LoanGet(id [32]byte) (*lending.LoanState, error)
	TermsGet(id [32]byte) (*lending.LoanTerms, bool, error)
}

// Server exposes the read-only query surface over HTTP.
type Server struct {
	engine *lending.Engine
	escrow *escrow.Engine
	state  LoanReader
	events *indexer.Store
	log    *slog.Logger
	limit  RateLimit
}

// NewServer wires the query server. The escrow engine and event store are
// optional; their endpoints answer 404 when absent.
func NewServer(engine *lending.Engine, esc *escrow.Engine, state LoanReader, events *indexer.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine: engine,
		escrow: esc,
		state:  state,
		events: events,
		log:    log,
		limit:  RateLimit{RequestsPerMinute: 600, Burst: 20},
	}
}

// SetRateLimit overrides the default per-client throughput bound.
func (s *Server) SetRateLimit(limit RateLimit) { s.limit = limit }

// Handler builds the routed HTTP handler with tracing, request tagging and
// rate limiting applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(newRateLimiter(s.limit).middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/loans/{id}", s.handleLoan)
		r.Get("/loans/{id}/quote", s.handleQuote)
		r.Get("/loans/{id}/events", s.handleLoanEvents)
		r.Get("/positions/{token}", s.handlePosition)
		r.Get("/deposits/{id}", s.handleDeposit)
	})

	return otelhttp.NewHandler(r, "tranchelend.rpc")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type trancheResponse struct {
	Lender string `json:"lender"`
	Amount string `json:"amount"`
	Rate   string `json:"rate"`
}

type loanResponse struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Maturity          int64             `json:"maturity"`
	RepaymentDeadline int64             `json:"repaymentDeadline"`
	Balance           string            `json:"balance"`
	Borrower          string            `json:"borrower,omitempty"`
	CurrencyToken     string            `json:"currencyToken,omitempty"`
	Tranches          []trancheResponse `json:"tranches,omitempty"`
}

func (s *Server) handleLoan(w http.ResponseWriter, req *http.Request) {
	id, ok := parse32(w, chi.URLParam(req, "id"))
	if !ok {
		return
	}
	st, err := s.state.LoanGet(id)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	resp := loanResponse{
		ID:                hex32(id),
		Status:            st.Status.String(),
		Maturity:          st.Maturity,
		RepaymentDeadline: st.RepaymentDeadline,
		Balance:           st.Balance.String(),
	}
	if terms, found, err := s.state.TermsGet(id); err != nil {
		s.fail(w, req, err)
		return
	} else if found {
		resp.Borrower = hex20(terms.Borrower)
		resp.CurrencyToken = hex20(terms.CurrencyToken)
		for _, tranche := range terms.Tranches {
			resp.Tranches = append(resp.Tranches, trancheResponse{
				Lender: hex20(tranche.Lender),
				Amount: tranche.Amount.String(),
				Rate:   tranche.Rate.String(),
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type quoteResponse struct {
	PrincipalDue string `json:"principalDue"`
	InterestDue  string `json:"interestDue"`
	FeesDue      string `json:"feesDue"`
	AsOf         int64  `json:"asOf"`
}

func (s *Server) handleQuote(w http.ResponseWriter, req *http.Request) {
	id, ok := parse32(w, chi.URLParam(req, "id"))
	if !ok {
		return
	}
	terms, found, err := s.state.TermsGet(id)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	if !found {
		http.Error(w, "loan not found", http.StatusNotFound)
		return
	}
	asOf := int64(0)
	if raw := req.URL.Query().Get("asOf"); raw != "" {
		asOf, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid asOf", http.StatusBadRequest)
			return
		}
	}
	start := time.Now()
	quote, err := s.engine.Quote(terms, asOf)
	observability.SettlementMetrics().ObserveOperation("quote", err, start)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		PrincipalDue: quote.PrincipalDue.String(),
		InterestDue:  quote.InterestDue.String(),
		FeesDue:      quote.FeesDue.String(),
		AsOf:         asOf,
	})
}

func (s *Server) handleLoanEvents(w http.ResponseWriter, req *http.Request) {
	if s.events == nil {
		http.Error(w, "event index disabled", http.StatusNotFound)
		return
	}
	id, ok := parse32(w, chi.URLParam(req, "id"))
	if !ok {
		return
	}
	records, err := s.events.ByLoan(hex32(id), 200)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type positionResponse struct {
	TokenID      string `json:"tokenId"`
	LoanID       string `json:"loanId"`
	TrancheIndex uint32 `json:"trancheIndex"`
	Owner        string `json:"owner"`
}

func (s *Server) handlePosition(w http.ResponseWriter, req *http.Request) {
	token, ok := parse32(w, chi.URLParam(req, "token"))
	if !ok {
		return
	}
	pos, err := s.engine.Position(token)
	if err != nil {
		http.Error(w, "position not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{
		TokenID:      hex32(pos.TokenID),
		LoanID:       hex32(pos.LoanID),
		TrancheIndex: pos.TrancheIndex,
		Owner:        hex20(pos.Owner),
	})
}

type depositResponse struct {
	ID        string `json:"id"`
	Depositor string `json:"depositor"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	UnlockAt  int64  `json:"unlockAt"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, req *http.Request) {
	if s.escrow == nil {
		http.Error(w, "escrow disabled", http.StatusNotFound)
		return
	}
	id, ok := parse32(w, chi.URLParam(req, "id"))
	if !ok {
		return
	}
	dep, err := s.escrow.DepositByID(id)
	if err != nil {
		http.Error(w, "deposit not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, depositResponse{
		ID:        hex32(dep.ID),
		Depositor: hex20(dep.Depositor),
		Token:     hex20(dep.Token),
		Amount:    dep.Amount.String(),
		Status:    dep.Status.String(),
		UnlockAt:  dep.UnlockAt,
	})
}

func (s *Server) fail(w http.ResponseWriter, req *http.Request, err error) {
	s.log.Error("rpc: request failed", "path", req.URL.Path, "err", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parse32(w http.ResponseWriter, raw string) ([32]byte, bool) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 32 {
		http.Error(w, "invalid identifier", http.StatusBadRequest)
		return out, false
	}
	copy(out[:], decoded)
	return out, true
}

func hex32(v [32]byte) string { return "0x" + hex.EncodeToString(v[:]) }

func hex20(v [20]byte) string { return hex.EncodeToString(v[:]) }
