package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"microstable/crypto"
	"microstable/native/cdp"
	"microstable/native/params"
)

const (
	maxBodyBytes        = 1 << 16
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

type paramsResponse struct {
	Params      params.GlobalParameters `json:"params"`
	Pauses      params.Pauses           `json:"pauses"`
	Liquidation cdp.LiquidationPolicy   `json:"liquidation"`
}

type positionResponse struct {
	Position cdp.Position `json:"position"`
	Health   cdp.Health   `json:"health"`
}

type depositRequest struct {
	Collateral uint64 `json:"collateral,string"`
	Mint       uint64 `json:"mint,string"`
}

type amountRequest struct {
	Amount uint64 `json:"amount,string"`
}

type withdrawRequest struct {
	Collateral uint64 `json:"collateral,string"`
	Burn       uint64 `json:"burn,string"`
}

type minRatioRequest struct {
	MinCollateralRatio uint64 `json:"minCollateralRatio"`
}

type priceRequest struct {
	Num uint64 `json:"num"`
	Den uint64 `json:"den"`
}

type balancesResponse struct {
	Address  string            `json:"address"`
	Balances map[string]string `json:"balances"`
	Mintable string            `json:"mintable"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	p, err := s.params.Read()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pauses, err := s.params.Pauses()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paramsResponse{Params: p, Pauses: pauses, Liquidation: s.manager.LiquidationPolicy()})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.manager.Positions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if positions == nil {
		positions = []cdp.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	pos, err := s.manager.Position(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	health, err := s.manager.Health(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{Position: pos, Health: health})
}

func (s *Server) handleHealthOf(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	health, err := s.manager.Health(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "journal disabled")
		return
	}
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	limit := defaultJournalLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxJournalLimit)
	}
	entries, err := s.journal.Entries(r.Context(), owner.String(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "addr")
	if !ok {
		return
	}
	p, err := s.params.Read()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := balancesResponse{Address: addr.String(), Balances: map[string]string{}}
	for _, asset := range []string{p.CollateralAsset, p.SyntheticAsset} {
		bal, err := s.balances.Balance(asset, addr)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Balances[asset] = strconv.FormatUint(bal, 10)
	}
	mintable, err := s.manager.MaxMintable(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Mintable = strconv.FormatUint(mintable, 10)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	receipt, err := s.manager.DepositAndMint(r.Context(), caller, req.Collateral, req.Mint)
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	receipt, err := s.manager.Mint(r.Context(), caller, req.Amount)
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	receipt, err := s.manager.Repay(r.Context(), caller, req.Amount)
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	receipt, err := s.manager.Withdraw(r.Context(), caller, req.Collateral, req.Burn)
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	receipt, err := s.manager.WithdrawAndBurn(r.Context(), caller)
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	receipt, err := s.manager.Liquidate(r.Context(), caller, owner)
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) handleUpdateMinRatio(w http.ResponseWriter, r *http.Request) {
	var req minRatioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	if err := s.params.UpdateMinRatio(req.MinCollateralRatio, caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetParams(w, r)
}

func (s *Server) handleSetPauses(w http.ResponseWriter, r *http.Request) {
	var req params.Pauses
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	if err := s.params.SetPauses(req, caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetParams(w, r)
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	if s.price == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "price is not adjustable")
		return
	}
	var req priceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.params.Read()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, _ := CallerFromContext(r.Context())
	if !caller.Equal(p.Authority) {
		s.writeError(w, r, params.ErrUnauthorized)
		return
	}
	next := cdp.Price{Num: req.Num, Den: req.Den}
	if err := s.price.Set(next); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) writeReceipt(w http.ResponseWriter, r *http.Request, receipt cdp.Receipt, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (crypto.Address, bool) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(chi.URLParam(r, name)))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_address", err.Error())
		return crypto.Address{}, false
	}
	return addr, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return false
	}
	return true
}
