package gateway

import (
	"errors"
	"fmt"
)

// Provider error codes.
const (
	CodeInvalidAmount   = -31001
	CodeTxNotFound      = -31003
	CodeCannotCancel    = -31007
	CodeCannotPerform   = -31008
	CodeDealNotFound    = -31050
	CodeDealBusy        = -31051
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeParseError      = -32700
	CodeSystemError     = -32400
	CodeUnauthenticated = -32504
)

// Message is the localized error text the provider shows to the payer.
type Message struct {
	RU string `json:"ru"`
	UZ string `json:"uz"`
	EN string `json:"en"`
}

var messages = map[int]Message{
	CodeInvalidAmount:   {RU: "Неверная сумма", UZ: "Noto'g'ri summa", EN: "Invalid amount"},
	CodeTxNotFound:      {RU: "Транзакция не найдена", UZ: "Tranzaksiya topilmadi", EN: "Transaction not found"},
	CodeCannotCancel:    {RU: "Невозможно отменить транзакцию", UZ: "Tranzaksiyani bekor qilib bo'lmaydi", EN: "Transaction cannot be cancelled"},
	CodeCannotPerform:   {RU: "Невозможно выполнить операцию", UZ: "Amalni bajarib bo'lmaydi", EN: "Operation cannot be performed"},
	CodeDealNotFound:    {RU: "Сделка не найдена", UZ: "Bitim topilmadi", EN: "Deal not found"},
	CodeDealBusy:        {RU: "Сделка ожидает оплаты", UZ: "Bitim to'lovni kutmoqda", EN: "Deal already has a pending payment"},
	CodeInvalidRequest:  {RU: "Неверный запрос", UZ: "Noto'g'ri so'rov", EN: "Invalid request"},
	CodeMethodNotFound:  {RU: "Метод не найден", UZ: "Metod topilmadi", EN: "Method not found"},
	CodeParseError:      {RU: "Ошибка разбора JSON", UZ: "JSON tahlil xatosi", EN: "Parse error"},
	CodeSystemError:     {RU: "Системная ошибка", UZ: "Tizim xatosi", EN: "System error"},
	CodeUnauthenticated: {RU: "Недостаточно привилегий", UZ: "Ruxsat yo'q", EN: "Insufficient privileges"},
}

// RPCError is a protocol-level failure returned to the provider. Data names the
// offending field when there is one.
type RPCError struct {
	Code    int     `json:"code"`
	Message Message `json:"message"`
	Data    string  `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("gateway error %d (%s): %s", e.Code, e.Data, e.Message.EN)
	}
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message.EN)
}

func newError(code int, data string) *RPCError {
	return &RPCError{Code: code, Message: messages[code], Data: data}
}

// AsRPCError maps any error to the code the provider sees. Errors that are not
// protocol errors become a system error.
func AsRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return newError(CodeSystemError, "")
}

// keepWrites wraps a protocol error whose preceding writes must be committed, such as
// a lazily expired transaction.
type keepWrites struct{ *RPCError }

func (k keepWrites) Unwrap() error { return k.RPCError }
