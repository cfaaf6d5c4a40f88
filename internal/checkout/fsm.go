package checkout

import "ptp/internal/model"

// FSM holds the allowed order status transitions.
type FSM struct {
	transitions map[model.OrderStatus][]model.OrderStatus
}

func NewFSM() *FSM {
	return &FSM{
		transitions: map[model.OrderStatus][]model.OrderStatus{
			model.OrderStatusCart: {
				model.OrderStatusIntentCreated,
				model.OrderStatusFailed,
				model.OrderStatusPaid, // zero-total orders only
			},
			model.OrderStatusIntentCreated: {
				model.OrderStatusAwaitingConfirmation,
				model.OrderStatusPaid,
				model.OrderStatusFailed,
				model.OrderStatusExpired,
			},
			model.OrderStatusAwaitingConfirmation: {
				model.OrderStatusPaid,
				model.OrderStatusFailed,
				model.OrderStatusExpired,
			},
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM) CanTransition(from, to model.OrderStatus) bool {
	for _, s := range f.transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources lists every status that may move to `to`, for compare-and-set
// updates.
func (f *FSM) Sources(to model.OrderStatus) []model.OrderStatus {
	var out []model.OrderStatus
	for _, from := range []model.OrderStatus{
		model.OrderStatusCart,
		model.OrderStatusIntentCreated,
		model.OrderStatusAwaitingConfirmation,
	} {
		if f.CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
