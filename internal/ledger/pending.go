package ledger

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spiritnet/gledger/internal/identity"
	"github.com/spiritnet/gledger/internal/models"
	"github.com/spiritnet/gledger/internal/policy"
)

type pendingState string

const (
	stateAwaitingApproval  pendingState = "AWAITING_APPROVAL"
	stateAwaitingMultiSig  pendingState = "AWAITING_MULTISIG"
	stateAwaitingEphemeral pendingState = "AWAITING_EPHEMERAL"
	stateDelayed           pendingState = "DELAYED"
)

// PendingOperation is a parked mutation awaiting an external event: an
// approval, enough multisig approvals, an ephemeral credential, or a delay
// deadline. Parked operations do not time out on their own except through
// the Delay(until) re-evaluation.
type PendingOperation struct {
	OpID      string                `json:"op_id"`
	State     pendingState          `json:"state"`
	Initiator string                `json:"initiator"`
	Kind      models.AuditEventType `json:"kind"`
	CreatedAt time.Time             `json:"created_at"`
	// Threshold and Approvals drive the multisig path.
	Threshold int             `json:"threshold,omitempty"`
	Approvals map[string]bool `json:"approvals,omitempty"`
	// ReevaluateAt is set for delayed operations.
	ReevaluateAt time.Time `json:"reevaluate_at,omitempty"`

	op       operation
	doc      models.IdentityDocument
	decision policy.Decision
}

// pendingRegistry is the engine-owned index of parked operations.
// Lifecycle: created with the engine, driven by the approval/cancel surface
// and the delay ticker, discarded with the process.
type pendingRegistry struct {
	mu  sync.Mutex
	ops map[string]*PendingOperation
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{ops: make(map[string]*PendingOperation)}
}

func (r *pendingRegistry) add(op *PendingOperation) {
	r.mu.Lock()
	r.ops[op.OpID] = op
	r.mu.Unlock()
}

func (r *pendingRegistry) get(opID string) (*PendingOperation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[opID]
	return op, ok
}

func (r *pendingRegistry) remove(opID string) {
	r.mu.Lock()
	delete(r.ops, opID)
	r.mu.Unlock()
}

// claim removes and returns the operation in one step. Exactly one caller
// wins the claim, so a parked operation can never execute twice no matter
// how many approvals race.
func (r *pendingRegistry) claim(opID string) (*PendingOperation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[opID]
	if ok {
		delete(r.ops, opID)
	}
	return op, ok
}

func (r *pendingRegistry) list() []*PendingOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PendingOperation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	return out
}

func (r *pendingRegistry) due(now time.Time) []*PendingOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PendingOperation
	for _, op := range r.ops {
		if op.State == stateDelayed && !now.Before(op.ReevaluateAt) {
			out = append(out, op)
		}
	}
	return out
}

// park suspends the operation into its terminal-pending state.
func (e *Engine) park(ctx context.Context, op operation, doc models.IdentityDocument, decision policy.Decision, state pendingState) (*Result, error) {
	parked := &PendingOperation{
		OpID:      uuid.New().String(),
		State:     state,
		Initiator: op.initiator,
		Kind:      op.kind,
		CreatedAt: e.now(),
		op:        op,
		doc:       doc,
		decision:  decision,
	}
	if state == stateAwaitingMultiSig {
		parked.Threshold = decision.Threshold
		parked.Approvals = make(map[string]bool)
	}
	if state == stateDelayed {
		parked.ReevaluateAt = decision.Until
	}
	e.pending.add(parked)

	e.log.WithFields(logrus.Fields{
		"op_id": parked.OpID,
		"state": state,
	}).Info("[LEDGER] operation parked")

	status := models.StatusAwaitingApproval
	switch state {
	case stateAwaitingMultiSig:
		status = models.StatusAwaitingMultiSig
	case stateAwaitingEphemeral:
		status = models.StatusAwaitingEphemeral
	case stateDelayed:
		status = models.StatusDelayed
	}
	return &Result{Status: status, PendingID: parked.OpID, Decision: decision}, nil
}

// PendingOperations lists parked operations for the approval surface.
func (e *Engine) PendingOperations() []*PendingOperation {
	return e.pending.list()
}

// Approve advances a parked operation using the approver's own credential.
// AwaitingApproval needs one ApproveOperations-bearing approval;
// AwaitingMultiSig needs the threshold count of distinct approvers;
// AwaitingEphemeral needs an ephemeral credential carrying the operation's
// permission.
func (e *Engine) Approve(ctx context.Context, opID string, approver *models.AccessToken) (*Result, error) {
	parked, ok := e.pending.get(opID)
	if !ok {
		return nil, ErrOperationNotFound
	}

	switch parked.State {
	case stateAwaitingEphemeral:
		if !approver.Ephemeral {
			return nil, ErrEphemeralRequired
		}
		if !approver.Permissions.Covers(parked.op.permission) {
			return nil, identity.ErrPermissionNotHeld
		}

	case stateAwaitingApproval:
		if !approver.Permissions.Covers(models.PermApproveOperations) {
			return nil, identity.ErrPermissionNotHeld
		}

	case stateAwaitingMultiSig:
		if !approver.Permissions.Covers(models.PermApproveOperations) {
			return nil, identity.ErrPermissionNotHeld
		}
		// Count the approval and, on reaching quorum, claim the operation
		// under the same lock. Racing approvers past quorum lose the claim
		// and see not-found instead of committing a second time.
		e.pending.mu.Lock()
		if _, parked2 := e.pending.ops[opID]; !parked2 {
			e.pending.mu.Unlock()
			return nil, ErrOperationNotFound
		}
		parked.Approvals[approver.Identity] = true
		collected := len(parked.Approvals)
		claimed := collected >= parked.Threshold
		if claimed {
			delete(e.pending.ops, opID)
		}
		e.pending.mu.Unlock()

		if err := e.auditor.Append(ctx, models.AuditLogEntry{
			EventType:  models.AuditApproval,
			Identity:   approver.Identity,
			Permission: models.PermApproveOperations,
			Decision:   "APPROVED",
			Context: map[string]string{
				"op_id":     opID,
				"collected": strconv.Itoa(collected),
				"threshold": strconv.Itoa(parked.Threshold),
			},
		}); err != nil {
			return nil, err
		}
		if !claimed {
			return &Result{Status: models.StatusAwaitingMultiSig, PendingID: opID, Decision: parked.decision}, ErrMultiSigPending
		}
		return e.execute(ctx, parked.op, parked.decision)

	case stateDelayed:
		// Delayed operations resume on their own schedule.
		return nil, ErrOperationNotFound
	}

	// Single-approval paths claim before executing; a concurrent approval
	// that loses the claim gets not-found rather than a double commit.
	parked, ok = e.pending.claim(opID)
	if !ok {
		return nil, ErrOperationNotFound
	}

	if err := e.auditor.Append(ctx, models.AuditLogEntry{
		EventType:  models.AuditApproval,
		Identity:   approver.Identity,
		Permission: parked.op.permission,
		Decision:   "APPROVED",
		Context:    map[string]string{"op_id": opID},
	}); err != nil {
		return nil, err
	}

	return e.execute(ctx, parked.op, parked.decision)
}

// Cancel rejects a parked operation. Only the original initiator or an
// administrative identity may cancel.
func (e *Engine) Cancel(ctx context.Context, opID string, caller *models.AccessToken) error {
	parked, ok := e.pending.get(opID)
	if !ok {
		return ErrOperationNotFound
	}
	if caller.Identity != parked.Initiator && !caller.Permissions.Covers(models.PermAdministerLedger) {
		return identity.ErrPermissionNotHeld
	}

	e.pending.remove(opID)
	if err := e.auditor.Append(ctx, models.AuditLogEntry{
		EventType: models.AuditCancellation,
		Identity:  caller.Identity,
		Decision:  "CANCELLED",
		Context:   map[string]string{"op_id": opID, "reason": "Cancelled"},
	}); err != nil {
		return err
	}

	e.log.WithField("op_id", opID).Info("[LEDGER] operation cancelled")
	return nil
}

// RunMaintenance drives the engine's background work until ctx is
// cancelled: delayed-operation re-evaluation, due-stake release, and policy
// cache sweeping. None of it holds a lock a foreground transaction needs.
func (e *Engine) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.now()
			e.resumeDelayed(ctx, now)
			if released, err := e.store.ReleaseDueStakes(ctx, now); err != nil {
				e.log.WithError(err).Warn("[LEDGER] stake release sweep failed")
			} else if released > 0 {
				e.log.WithField("released", released).Info("[LEDGER] stakes unlocked")
			}
			e.policies.Sweep(now)
		}
	}
}

// resumeDelayed re-evaluates delayed operations whose deadline has passed.
// The fresh decision is honored in full: it may allow, deny, or park again.
func (e *Engine) resumeDelayed(ctx context.Context, now time.Time) {
	for _, parked := range e.pending.due(now) {
		// A concurrent cancel may have won the claim already.
		if _, ok := e.pending.claim(parked.OpID); !ok {
			continue
		}

		decision, err := e.gate(ctx, parked.doc, parked.op)
		if err != nil {
			e.log.WithError(err).WithField("op_id", parked.OpID).Warn("[LEDGER] delayed re-evaluation failed")
			continue
		}
		switch decision.Type {
		case policy.DecisionAllow:
			if _, err := e.execute(ctx, parked.op, decision); err != nil {
				e.log.WithError(err).WithField("op_id", parked.OpID).Warn("[LEDGER] delayed operation failed")
			}
		case policy.DecisionDeny:
			e.log.WithFields(logrus.Fields{
				"op_id":  parked.OpID,
				"reason": decision.Reason,
			}).Info("[LEDGER] delayed operation denied on re-evaluation")
		case policy.DecisionRequireApproval:
			e.park(ctx, parked.op, parked.doc, decision, stateAwaitingApproval)
		case policy.DecisionRequireMultiSig:
			e.park(ctx, parked.op, parked.doc, decision, stateAwaitingMultiSig)
		case policy.DecisionRequireEphemeral:
			e.park(ctx, parked.op, parked.doc, decision, stateAwaitingEphemeral)
		case policy.DecisionDelay:
			e.park(ctx, parked.op, parked.doc, decision, stateDelayed)
		}
	}
}
