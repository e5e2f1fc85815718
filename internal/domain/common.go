package domain

// WorkflowType selects which chain shape a workflow carries.
type WorkflowType string

const (
	WorkflowBuy  WorkflowType = "BUY"
	WorkflowSell WorkflowType = "SELL"
)

// Valid reports whether t is a known workflow type.
func (t WorkflowType) Valid() bool {
	return t == WorkflowBuy || t == WorkflowSell
}

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Side maps a workflow type onto the order side it produces.
func (t WorkflowType) Side() OrderSide {
	if t == WorkflowSell {
		return Sell
	}
	return Buy
}

// PositionStatus represents the status of a position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// ExecutionResult is the terminal outcome of one evaluated attempt.
type ExecutionResult string

const (
	ResultExecuted ExecutionResult = "EXECUTED"
	ResultRejected ExecutionResult = "REJECTED"
	ResultError    ExecutionResult = "ERROR"
)

// Valid reports whether r is a known execution result.
func (r ExecutionResult) Valid() bool {
	switch r {
	case ResultExecuted, ResultRejected, ResultError:
		return true
	}
	return false
}

// OrderStatus is the status reported by the order-execution adapter.
type OrderStatus string

const (
	OrderSuccess        OrderStatus = "success"
	OrderNotImplemented OrderStatus = "not_implemented"
	OrderFailed         OrderStatus = "failed"
)
