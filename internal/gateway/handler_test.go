package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profimatch/backend/internal/models"
)

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	ID     json.RawMessage `json:"id"`
}

func call(t *testing.T, h http.Handler, body string, auth bool) rpcReply {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/payme", strings.NewReader(body))
	if auth {
		req.SetBasicAuth("Paycom", "secret-key")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out rpcReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandler_RejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, "Paycom", "secret-key", nil)

	out := call(t, h, `{"method":"CheckTransaction","params":{"id":"T1"},"id":7}`, false)
	require.NotNil(t, out.Error)
	assert.Equal(t, CodeUnauthenticated, out.Error.Code)
	assert.JSONEq(t, `7`, string(out.ID))

	req := httptest.NewRequest(http.MethodPost, "/payme", strings.NewReader(`{"method":"CheckTransaction","params":{"id":"T1"},"id":1}`))
	req.SetBasicAuth("Paycom", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), `"code":-32504`)
}

func TestHandler_ProtocolErrors(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, "Paycom", "secret-key", nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"method":`, CodeParseError},
		{"unknown method", `{"method":"ChargeEverything","params":{},"id":1}`, CodeMethodNotFound},
		{"missing params", `{"method":"PerformTransaction","id":1}`, CodeInvalidRequest},
		{"cancel without reason", `{"method":"CancelTransaction","params":{"id":"T1"},"id":1}`, CodeInvalidRequest},
		{"unknown transaction", `{"method":"CheckTransaction","params":{"id":"nope"},"id":1}`, CodeTxNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := call(t, h, tt.body, true)
			require.NotNil(t, out.Error)
			assert.Equal(t, tt.code, out.Error.Code)
			assert.NotEmpty(t, out.Error.Message.EN)
			assert.NotEmpty(t, out.Error.Message.RU)
		})
	}
}

func TestHandler_CreateAndPerform(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, "Paycom", "secret-key", nil)
	account := `{"deal_id":"` + f.deal.ID.String() + `"}`

	out := call(t, h, `{"method":"CheckPerformTransaction","params":{"amount":1500000,"account":`+account+`},"id":1}`, true)
	require.Nil(t, out.Error)
	assert.JSONEq(t, `{"allow":true}`, string(out.Result))

	out = call(t, h, `{"method":"CreateTransaction","params":{"id":"T1","time":1700000000000,"amount":1500000,"account":`+account+`},"id":2}`, true)
	require.Nil(t, out.Error)
	var created CreateResult
	require.NoError(t, json.Unmarshal(out.Result, &created))
	assert.Equal(t, models.GatewayStatePending, created.State)

	for i := 0; i < 2; i++ {
		out = call(t, h, `{"method":"PerformTransaction","params":{"id":"T1"},"id":3}`, true)
		require.Nil(t, out.Error)
		var performed PerformResult
		require.NoError(t, json.Unmarshal(out.Result, &performed))
		assert.Equal(t, models.GatewayStatePerformed, performed.State)
		assert.Equal(t, created.Transaction, performed.Transaction)
	}

	out = call(t, h, `{"method":"CreateTransaction","params":{"id":"T1","time":1700000000000,"amount":1500000,"account":`+account+`},"id":4}`, true)
	require.NotNil(t, out.Error)
	assert.Equal(t, CodeCannotPerform, out.Error.Code)
}
