package vm

import (
	"fmt"

	"github.com/deepnoodle-ai/linecov/op"
)

func binaryOp(kind op.BinaryOpType, left, right any) (any, error) {
	switch l := left.(type) {
	case int64:
		r, ok := right.(int64)
		if !ok {
			break
		}
		switch kind {
		case op.Add:
			return l + r, nil
		case op.Subtract:
			return l - r, nil
		case op.Multiply:
			return l * r, nil
		case op.Divide:
			if r == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return l / r, nil
		case op.Modulo:
			if r == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return l % r, nil
		}
	case float64:
		r, ok := right.(float64)
		if !ok {
			break
		}
		switch kind {
		case op.Add:
			return l + r, nil
		case op.Subtract:
			return l - r, nil
		case op.Multiply:
			return l * r, nil
		case op.Divide:
			if r == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return l / r, nil
		}
	case string:
		if r, ok := right.(string); ok && kind == op.Add {
			return l + r, nil
		}
	}
	return nil, fmt.Errorf("unsupported operands for %s: %T and %T", kind, left, right)
}

func compareOp(kind op.CompareOpType, left, right any) (any, error) {
	switch kind {
	case op.Equal:
		return left == right, nil
	case op.NotEqual:
		return left != right, nil
	}
	l, lok := left.(int64)
	r, rok := right.(int64)
	if !lok || !rok {
		return nil, fmt.Errorf("unsupported comparison %s: %T and %T", kind, left, right)
	}
	switch kind {
	case op.LessThan:
		return l < r, nil
	case op.LessThanOrEqual:
		return l <= r, nil
	case op.GreaterThan:
		return l > r, nil
	case op.GreaterThanOrEqual:
		return l >= r, nil
	default:
		return nil, fmt.Errorf("invalid comparison op %d", kind)
	}
}
