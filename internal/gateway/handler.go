package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/profimatch/backend/internal/metrics"
)

const maxBodyBytes = 64 << 10

type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

type response struct {
	Result any             `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	ID     json.RawMessage `json:"id"`
}

type amountParams struct {
	Amount  int64   `json:"amount"`
	Account Account `json:"account"`
}

type idParams struct {
	ID string `json:"id"`
}

type cancelParams struct {
	ID     string `json:"id"`
	Reason *int   `json:"reason"`
}

type statementParams struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Handler serves the provider's JSON-RPC endpoint. The provider expects HTTP 200 for
// every answer, errors included.
type Handler struct {
	svc   *Service
	login string
	key   string
	log   *slog.Logger
}

// NewHandler authenticates calls with HTTP Basic credentials login:key.
func NewHandler(svc *Service, login, key string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, login: login, key: key, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.reply(w, "unknown", nil, nil, newError(CodeParseError, ""))
		return
	}
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		h.reply(w, "unknown", nil, nil, newError(CodeParseError, ""))
		return
	}
	if !h.authorized(r) {
		h.reply(w, req.Method, req.ID, nil, newError(CodeUnauthenticated, ""))
		return
	}

	result, err := h.dispatch(r.Context(), req)
	if err != nil {
		rpcErr := AsRPCError(err)
		if rpcErr.Code == CodeSystemError {
			h.log.Error("gateway call failed", "method", req.Method, "params", string(req.Params), "error", err)
		} else {
			h.log.Warn("gateway call rejected", "method", req.Method, "code", rpcErr.Code, "params", string(req.Params))
		}
		h.reply(w, req.Method, req.ID, nil, rpcErr)
		return
	}
	h.reply(w, req.Method, req.ID, result, nil)
}

func (h *Handler) dispatch(ctx context.Context, req request) (any, error) {
	switch req.Method {
	case "CheckPerformTransaction":
		var p amountParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return h.svc.CheckPerformTransaction(ctx, p.Amount, p.Account)
	case "CreateTransaction":
		var p CreateParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return h.svc.CreateTransaction(ctx, p)
	case "PerformTransaction":
		var p idParams
		if err := decodeParams(req.Params, &p); err != nil || p.ID == "" {
			return nil, newError(CodeInvalidRequest, "id")
		}
		return h.svc.PerformTransaction(ctx, p.ID)
	case "CancelTransaction":
		var p cancelParams
		if err := decodeParams(req.Params, &p); err != nil || p.ID == "" {
			return nil, newError(CodeInvalidRequest, "id")
		}
		if p.Reason == nil {
			return nil, newError(CodeInvalidRequest, "reason")
		}
		return h.svc.CancelTransaction(ctx, p.ID, *p.Reason)
	case "CheckTransaction":
		var p idParams
		if err := decodeParams(req.Params, &p); err != nil || p.ID == "" {
			return nil, newError(CodeInvalidRequest, "id")
		}
		return h.svc.CheckTransaction(ctx, p.ID)
	case "GetStatement":
		var p statementParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return h.svc.GetStatement(ctx, p.From, p.To)
	default:
		return nil, newError(CodeMethodNotFound, "method")
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return newError(CodeInvalidRequest, "params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return newError(CodeInvalidRequest, "params")
	}
	return nil
}

func (h *Handler) authorized(r *http.Request) bool {
	login, key, ok := r.BasicAuth()
	if !ok || h.key == "" {
		return false
	}
	loginOK := subtle.ConstantTimeCompare([]byte(login), []byte(h.login)) == 1
	keyOK := subtle.ConstantTimeCompare([]byte(key), []byte(h.key)) == 1
	return loginOK && keyOK
}

func (h *Handler) reply(w http.ResponseWriter, method string, id json.RawMessage, result any, rpcErr *RPCError) {
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
	}
	metrics.GatewayCalls.WithLabelValues(methodLabel(method), strconv.Itoa(code)).Inc()

	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response{Result: result, Error: rpcErr, ID: id})
}

func methodLabel(method string) string {
	switch method {
	case "CheckPerformTransaction", "CreateTransaction", "PerformTransaction",
		"CancelTransaction", "CheckTransaction", "GetStatement":
		return method
	}
	return "unknown"
}
