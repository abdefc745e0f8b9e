package model

// Source carries what every event knows about where it came from.
type Source struct {
	ProviderRef string // provider-side id, empty when unknown
	Raw         []byte // inbound body, appended to the raw event log
}

// Event is a canonical lifecycle event. Each action is its own variant so a
// prepare id only exists where the protocol carries one.
type Event interface {
	Action() Action
	Origin() Source
}

// CreateEvent opens a transaction (client-initiated flow).
type CreateEvent struct {
	Source
	UserID   string
	PlanID   string
	Amount   int64
	Currency string
}

// PrepareEvent is the first phase of a two-phase provider. UserID is set only
// when the provider opens transactions itself; PlanID is the plan the provider
// says it is charging for, if it says. PrepareID is set only when the provider
// dictates it (otherwise the ledger issues one).
type PrepareEvent struct {
	Source
	Amount    int64
	PrepareID string
	UserID    string
	PlanID    string
	Currency  string
}

type CompleteEvent struct {
	Source
	Amount    int64
	PrepareID string
	PlanID    string
}

// CancelEvent closes an open transaction. Amount is zero when the caller does not report one.
type CancelEvent struct {
	Source
	Amount int64
	Reason string
}

// FailEvent marks an open transaction failed, e.g. when the provider reports an error.
type FailEvent struct {
	Source
	Amount int64
	Reason string
}

func (e CreateEvent) Action() Action   { return ActionCreate }
func (e PrepareEvent) Action() Action  { return ActionPrepare }
func (e CompleteEvent) Action() Action { return ActionComplete }
func (e CancelEvent) Action() Action   { return ActionCancel }
func (e FailEvent) Action() Action     { return ActionFail }

func (s Source) Origin() Source { return s }

// ReportedAmount returns the amount an event claims, and whether it claims one.
func ReportedAmount(ev Event) (int64, bool) {
	switch e := ev.(type) {
	case CreateEvent:
		return e.Amount, true
	case PrepareEvent:
		return e.Amount, true
	case CompleteEvent:
		return e.Amount, true
	case CancelEvent:
		return e.Amount, e.Amount != 0
	case FailEvent:
		return e.Amount, e.Amount != 0
	}
	return 0, false
}

// ReportedPlan returns the plan a provider event names, and whether it names one.
func ReportedPlan(ev Event) (string, bool) {
	switch e := ev.(type) {
	case PrepareEvent:
		return e.PlanID, e.PlanID != ""
	case CompleteEvent:
		return e.PlanID, e.PlanID != ""
	}
	return "", false
}
