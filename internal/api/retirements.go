package api

import (
	"net/http"
	"time"

	"github.com/CShear/regen-compute-credits/internal/identity"
	"github.com/CShear/regen-compute-credits/internal/ledger"
	"github.com/CShear/regen-compute-credits/internal/orders"
	"github.com/CShear/regen-compute-credits/internal/retire"
)

type identityPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
}

type retirementRequest struct {
	CreditType      string           `json:"creditType"`
	Quantity        string           `json:"quantity"`
	BeneficiaryName string           `json:"beneficiaryName"`
	Jurisdiction    string           `json:"jurisdiction"`
	Reason          string           `json:"reason"`
	SessionID       string           `json:"sessionId"`
	Identity        *identityPayload `json:"identity"`
}

// handleCreateRetirement runs a quantity-targeted retirement for the
// calling account. A verified session id takes precedence over inline
// identity fields for the on-chain attribution.
func (s *Server) handleCreateRetirement(w http.ResponseWriter, r *http.Request) {
	var req retirementRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	quantityMicro, err := ledger.ParseQuantityMicro(req.Quantity)
	if err != nil {
		writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, "invalid quantity: "+err.Error(), nil)
		return
	}

	var attr identity.Attribution
	switch {
	case req.SessionID != "":
		sess, err := s.deps.Sessions.GetSession(r.Context(), req.SessionID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if sess == nil {
			writeError(w, s.log, http.StatusNotFound, codeNotFound, "session not found", nil)
			return
		}
		attr = s.deps.Sessions.SessionIdentity(sess)
		if attr.Method == identity.MethodNone {
			writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, "session is not verified", nil)
			return
		}
	case req.Identity != nil:
		attr, err = identity.CaptureIdentity(identity.CaptureInput{
			Name:     req.Identity.Name,
			Email:    req.Identity.Email,
			Provider: req.Identity.Provider,
			Subject:  req.Identity.Subject,
		})
		if err != nil {
			writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, "invalid identity: "+err.Error(), nil)
			return
		}
	}

	outcome := s.deps.Retirer.Execute(r.Context(), retire.Request{
		UserID:          callerID(r.Context()),
		CreditType:      req.CreditType,
		QuantityMicro:   quantityMicro,
		BeneficiaryName: req.BeneficiaryName,
		Jurisdiction:    req.Jurisdiction,
		Reason:          req.Reason,
		Identity:        attr,
	})
	writeJSON(w, s.log, http.StatusOK, outcome)
}

type retirementView struct {
	ID           string                `json:"id"`
	Amount       string                `json:"amount"`
	BatchDenom   string                `json:"batchDenom"`
	Owner        string                `json:"owner"`
	Jurisdiction string                `json:"jurisdiction"`
	Reason       string                `json:"reason,omitempty"`
	Beneficiary  *identity.Attribution `json:"beneficiary,omitempty"`
	Timestamp    time.Time             `json:"timestamp"`
	TxHash       string                `json:"txHash,omitempty"`
	BlockHeight  int64                 `json:"blockHeight,omitempty"`
}

func newRetirementView(ret *ledger.Retirement) retirementView {
	reason, beneficiary := identity.ParseAttributedReason(ret.Reason)
	return retirementView{
		ID:           ret.NodeID,
		Amount:       ret.Amount,
		BatchDenom:   ret.BatchDenom,
		Owner:        ret.Owner,
		Jurisdiction: ret.Jurisdiction,
		Reason:       reason,
		Beneficiary:  beneficiary,
		Timestamp:    ret.Timestamp,
		TxHash:       ret.TxHash,
		BlockHeight:  ret.BlockHeight,
	}
}

// handleGetRetirement looks up one retirement by indexer node id or
// transaction hash.
func (s *Server) handleGetRetirement(w http.ResponseWriter, r *http.Request) {
	ret, err := s.deps.Market.GetRetirement(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if ret == nil {
		writeError(w, s.log, http.StatusNotFound, codeNotFound, "retirement not found", nil)
		return
	}
	writeJSON(w, s.log, http.StatusOK, newRetirementView(ret))
}

type sellOrderView struct {
	ID                uint64     `json:"id"`
	Seller            string     `json:"seller,omitempty"`
	BatchDenom        string     `json:"batchDenom"`
	Quantity          string     `json:"quantity"`
	AskDenom          string     `json:"askDenom"`
	AskAmount         string     `json:"askAmount"`
	DisableAutoRetire bool       `json:"disableAutoRetire"`
	Expiration        *time.Time `json:"expiration,omitempty"`
}

// handleListSellOrders lists open sell orders, optionally filtered by
// ?credit_type= and ?denom=.
func (s *Server) handleListSellOrders(w http.ResponseWriter, r *http.Request) {
	creditType := r.URL.Query().Get("credit_type")
	denom := r.URL.Query().Get("denom")

	book, err := s.deps.Market.ListSellOrders(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	classTypes := map[string]string{}
	if creditType != "" {
		classes, err := s.deps.Market.ListCreditClasses(r.Context())
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		for _, class := range classes {
			classTypes[class.ID] = class.CreditTypeAbbrev
		}
	}

	views := make([]sellOrderView, 0, len(book))
	for _, order := range book {
		if denom != "" && order.BatchDenom != denom {
			continue
		}
		if creditType != "" && !orders.MatchesCreditType(classTypes[orders.ClassIDFromBatch(order.BatchDenom)], creditType) {
			continue
		}
		view := sellOrderView{
			ID:                order.ID,
			Seller:            order.Seller,
			BatchDenom:        order.BatchDenom,
			Quantity:          order.Quantity,
			AskDenom:          order.AskDenom,
			DisableAutoRetire: order.DisableAutoRetire,
			Expiration:        order.Expiration,
		}
		if order.AskAmount != nil {
			view.AskAmount = order.AskAmount.String()
		}
		views = append(views, view)
	}

	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{"sellOrders": views})
}

func (s *Server) handleListCreditClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := s.deps.Market.ListCreditClasses(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{"creditClasses": classes})
}
