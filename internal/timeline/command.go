package timeline

import (
	"fmt"
	"strings"
)

// Op names a timeline command.
type Op string

const (
	OpCreate       Op = "create"
	OpUpdate       Op = "update"
	OpDelete       Op = "delete"
	OpStart        Op = "start"
	OpEnd          Op = "end"
	OpDelay        Op = "delay"
	OpUpdateRemark Op = "update_remark"
	OpReset        Op = "reset"
)

// Command is a named, parameterized request to mutate the timeline.
//
// Which fields are read depends on Op:
//   - create: Fields
//   - update: ID, Fields
//   - delay: ID, DelayMinutes (accepted but not applied to the schedule)
//   - update_remark: ID, Remark
//   - everything else: ID
type Command struct {
	Op           Op
	ID           string
	Fields       Fields
	Remark       string
	DelayMinutes int
}

func Create(fields Fields) Command            { return Command{Op: OpCreate, Fields: fields} }
func Update(id string, fields Fields) Command { return Command{Op: OpUpdate, ID: id, Fields: fields} }
func Delete(id string) Command                { return Command{Op: OpDelete, ID: id} }
func Start(id string) Command                 { return Command{Op: OpStart, ID: id} }
func End(id string) Command                   { return Command{Op: OpEnd, ID: id} }
func Delay(id string, minutes int) Command {
	return Command{Op: OpDelay, ID: id, DelayMinutes: minutes}
}
func UpdateRemark(id, remark string) Command {
	return Command{Op: OpUpdateRemark, ID: id, Remark: remark}
}
func Reset(id string) Command { return Command{Op: OpReset, ID: id} }

func (c Command) String() string {
	if c.ID == "" {
		return string(c.Op)
	}
	return fmt.Sprintf("%s(%s)", c.Op, c.ID)
}

func (c Command) validate() error {
	switch c.Op {
	case OpCreate:
		return nil
	case OpUpdate, OpDelete, OpStart, OpEnd, OpDelay, OpUpdateRemark, OpReset:
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("%w: %s requires an id", ErrInvalidCommand, c.Op)
		}
		if c.Op == OpUpdate {
			return c.validatePatch()
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Op)
	}
}

// validatePatch rejects lifecycle keys in an update. Status and timestamps
// only move through the status commands; an id is allowed when it matches.
func (c Command) validatePatch() error {
	for _, k := range []string{keyStatus, keyActualStart, keyActualEnd} {
		if _, ok := c.Fields[k]; ok {
			return fmt.Errorf("%w: %q is set by status commands", ErrInvalidCommand, k)
		}
	}
	if v, ok := c.Fields[keyID]; ok && stringOf(v) != c.ID {
		return fmt.Errorf("%w: id cannot be changed", ErrInvalidCommand)
	}
	return nil
}
