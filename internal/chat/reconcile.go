package chat

import (
	"go.uber.org/zap"
)

// Reconciler is the single choke point between the three producers
// (optimistic writer, push subscriber, catch-up fetch) and the timeline.
// Nothing else mutates the timeline.
type Reconciler struct {
	timeline *Timeline
	log      *zap.Logger

	// claimed maps a reconciliation nonce to the server id that consumed the
	// optimistic entry. A second confirmed record claiming the same nonce is
	// a backend bug; we keep the earliest-server-timestamp record.
	claimed map[string]string
}

func NewReconciler(timeline *Timeline, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		timeline: timeline,
		log:      log,
		claimed:  make(map[string]string),
	}
}

// Reset clears claim tracking. Called together with Timeline.Reset on
// session switch.
func (r *Reconciler) Reset() {
	r.claimed = make(map[string]string)
}

// Apply merges one incoming record into the timeline and reports whether the
// visible timeline changed.
//
// Order of checks:
//  1. known server id -> field merge, last-writer-wins by server timestamp
//  2. reconciliation key matches a pending optimistic entry -> replace
//  3. otherwise -> genuinely new, ordered insert
func (r *Reconciler) Apply(incoming Message) bool {
	if incoming.ServerID != "" {
		if _, ok := r.timeline.GetServer(incoming.ServerID); ok {
			return r.timeline.Append(incoming) // dedup path: in-place update
		}
	}

	if incoming.Confirmed() {
		if localID, ok := r.timeline.MatchPending(incoming); ok {
			return r.claim(localID, incoming)
		}
		if incoming.Nonce != "" {
			if prior, ok := r.claimed[incoming.Nonce]; ok && prior != incoming.ServerID {
				return r.resolveConflict(prior, incoming)
			}
		}
	}

	if incoming.Delivery == "" {
		if incoming.Confirmed() {
			incoming.Delivery = DeliveryConfirmed
		} else {
			incoming.Delivery = DeliveryPending
		}
	}
	return r.timeline.Append(incoming)
}

func (r *Reconciler) claim(localID string, confirmed Message) bool {
	confirmed.Delivery = DeliveryConfirmed
	if confirmed.Nonce != "" {
		r.claimed[confirmed.Nonce] = confirmed.ServerID
	}
	if r.timeline.Replace(localID, confirmed) {
		return true
	}
	// Pending entry raced away between match and replace; fall back to a
	// plain ordered insert.
	return r.timeline.Append(confirmed)
}

// resolveConflict handles two confirmed records claiming the same optimistic
// entry. Should not happen with correct nonce echo; when it does, the
// earliest-server-timestamp record survives.
func (r *Reconciler) resolveConflict(priorServerID string, incoming Message) bool {
	prior, ok := r.timeline.GetServer(priorServerID)
	if !ok {
		r.claimed[incoming.Nonce] = incoming.ServerID
		incoming.Delivery = DeliveryConfirmed
		return r.timeline.Append(incoming)
	}

	r.log.Warn("reconciliation conflict: nonce claimed twice",
		zap.String("nonce", incoming.Nonce),
		zap.String("existing", priorServerID),
		zap.String("incoming", incoming.ServerID))

	if !incoming.serverTime().Before(prior.serverTime()) {
		// Prior record is the earlier one; drop the newcomer.
		return false
	}

	r.claimed[incoming.Nonce] = incoming.ServerID
	incoming.Delivery = DeliveryConfirmed
	changed := r.timeline.RemoveServer(priorServerID)
	return r.timeline.Append(incoming) || changed
}
