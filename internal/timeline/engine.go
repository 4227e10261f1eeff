package timeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Effect is a side effect the caller must perform after a committed change.
type Effect int

const (
	EffectPersist Effect = iota + 1
	EffectBroadcast
)

// Result is the outcome of applying one command.
type Result struct {
	// State is the next timeline. When Changed is false it is the input state.
	State   Timeline
	Changed bool
	// Item is the created or updated item (create/update only).
	Item *Item
}

// Effects lists the side effects owed for this result: persist then
// broadcast for a change, nothing otherwise.
func (r Result) Effects() []Effect {
	if !r.Changed {
		return nil
	}
	return []Effect{EffectPersist, EffectBroadcast}
}

// Engine applies commands to timeline states. The zero value uses the wall
// clock and random UUIDs.
type Engine struct {
	Now   func() time.Time
	NewID func() string
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Apply computes the next state for cmd. It never mutates state.
//
// Commands targeting an absent id return ErrNotFound with Changed=false,
// except delete, which is a silent no-op, and start, which still demotes
// the live item. A start result may therefore carry both a committed state
// and ErrNotFound.
func (e Engine) Apply(state Timeline, cmd Command) (Result, error) {
	if err := cmd.validate(); err != nil {
		return Result{State: state}, err
	}

	switch cmd.Op {
	case OpCreate:
		return e.create(state, cmd.Fields), nil
	case OpDelete:
		return remove(state, cmd.ID), nil
	case OpStart:
		res := e.start(state, cmd.ID)
		if state.Index(cmd.ID) < 0 {
			return res, fmt.Errorf("%s: %w", cmd, ErrNotFound)
		}
		return res, nil
	}

	idx := state.Index(cmd.ID)
	if idx < 0 {
		return Result{State: state}, fmt.Errorf("%s: %w", cmd, ErrNotFound)
	}

	switch cmd.Op {
	case OpUpdate:
		next := replaceAt(state, idx, merge(state[idx], cmd.Fields))
		it := next[idx].Clone()
		return Result{State: next, Changed: true, Item: &it}, nil
	case OpEnd:
		if state[idx].Status != StatusLive {
			return Result{State: state}, nil
		}
		it := state[idx].Clone()
		it.Status = StatusCompleted
		it.ActualEnd = timeAt(e.now())
		return Result{State: replaceAt(state, idx, it), Changed: true}, nil
	case OpDelay:
		// DelayMinutes is accepted for clients that send it, but only the
		// status moves; scheduled times are left alone.
		it := state[idx].Clone()
		it.Status = StatusDelayed
		return Result{State: replaceAt(state, idx, it), Changed: true}, nil
	case OpUpdateRemark:
		it := state[idx].Clone()
		it.Remarks = cmd.Remark
		return Result{State: replaceAt(state, idx, it), Changed: true}, nil
	case OpReset:
		it := state[idx].Clone()
		it.Status = StatusUpcoming
		it.ActualStart = nil
		it.ActualEnd = nil
		it.Remarks = ""
		return Result{State: replaceAt(state, idx, it), Changed: true}, nil
	}
	return Result{State: state}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Op)
}

func (e Engine) create(state Timeline, fields Fields) Result {
	it := Item{
		ID:     e.newID(),
		Status: StatusUpcoming,
		Fields: ownFields(fields),
	}
	next := make(Timeline, len(state), len(state)+1)
	copy(next, state)
	next = append(next, it)
	cp := it.Clone()
	return Result{State: next, Changed: true, Item: &cp}
}

// start promotes the target to live and demotes any other live item in the
// same step, so the single-live invariant holds after every command.
func (e Engine) start(state Timeline, id string) Result {
	now := e.now()
	var next Timeline
	for i := range state {
		it := state[i]
		switch {
		case it.ID == id && it.Status != StatusLive:
			it = it.Clone()
			it.Status = StatusLive
			it.ActualStart = timeAt(now)
			it.ActualEnd = nil
		case it.ID != id && it.Status == StatusLive:
			it = it.Clone()
			it.Status = StatusCompleted
			it.ActualEnd = timeAt(now)
		default:
			continue
		}
		if next == nil {
			next = make(Timeline, len(state))
			copy(next, state)
		}
		next[i] = it
	}
	if next == nil {
		return Result{State: state}
	}
	return Result{State: next, Changed: true}
}

func remove(state Timeline, id string) Result {
	idx := state.Index(id)
	if idx < 0 {
		return Result{State: state}
	}
	next := make(Timeline, 0, len(state)-1)
	next = append(next, state[:idx]...)
	next = append(next, state[idx+1:]...)
	return Result{State: next, Changed: true}
}

func replaceAt(state Timeline, idx int, it Item) Timeline {
	next := make(Timeline, len(state))
	copy(next, state)
	next[idx] = it
	return next
}

// merge shallow-overwrites opaque fields. validatePatch has already
// rejected lifecycle keys; an echoed id is skipped.
func merge(it Item, patch Fields) Item {
	out := it.Clone()
	for k, v := range patch {
		switch k {
		case keyID, keyStatus, keyActualStart, keyActualEnd:
			continue
		case keyRemarks:
			out.Remarks = stringOf(v)
		default:
			if out.Fields == nil {
				out.Fields = Fields{}
			}
			out.Fields[k] = v
		}
	}
	return out
}

// ownFields copies caller fields minus the lifecycle keys.
func ownFields(in Fields) Fields {
	var out Fields
	for k, v := range in {
		switch k {
		case keyID, keyStatus, keyActualStart, keyActualEnd, keyRemarks:
			continue
		}
		if out == nil {
			out = make(Fields, len(in))
		}
		out[k] = v
	}
	return out
}
