// Package triage decides, per incoming request, whether corrective work
// happens synchronously or is queued to the alignment loop.
package triage

import (
	"strings"

	"github.com/loopworks/mendloop/config"
	"github.com/loopworks/mendloop/internal/correction"
)

// Decision is the outcome of triage for one request.
type Decision string

const (
	// Sync blocks the user-visible response on corrective work.
	Sync Decision = "SYNC"
	// Async queues corrective work to the background auditor.
	Async Decision = "ASYNC"
)

// Reason names the precedence rule that produced a decision.
type Reason string

const (
	ReasonWriteAction   Reason = "write_action"
	ReasonHighPriority  Reason = "high_priority"
	ReasonReadAction    Reason = "read_action"
	ReasonDefault       Reason = "default"
	ReasonUnknownAction Reason = "unknown_action"
)

var builtinWriteVerbs = []string{"write", "mutate", "update", "delete", "payment", "pay", "transfer", "create", "insert", "drop"}

var builtinReadVerbs = []string{"read", "get", "list", "search", "query", "fetch", "describe"}

// Scheduler classifies declared actions and applies the precedence rules.
// It is a pure value: Decide has no side effects and may be called
// concurrently.
type Scheduler struct {
	writeVerbs []string
	readVerbs  []string
}

// New builds a scheduler, extending the built-in verb sets from config.
func New(cfg config.TriageConfig) *Scheduler {
	s := &Scheduler{
		writeVerbs: append([]string(nil), builtinWriteVerbs...),
		readVerbs:  append([]string(nil), builtinReadVerbs...),
	}
	for _, v := range cfg.WriteActions {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			s.writeVerbs = append(s.writeVerbs, v)
		}
	}
	for _, v := range cfg.ReadActions {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			s.readVerbs = append(s.readVerbs, v)
		}
	}
	return s
}

// Decide applies the precedence rules in strict order, first match wins:
//
//  1. write/mutate/delete/payment-class action -> SYNC
//  2. high-priority caller -> SYNC
//  3. pure read action -> ASYNC
//  4. default -> ASYNC
//
// An action that cannot be classified falls through to SYNC: the stricter
// path is the fail-safe when we cannot tell whether the action mutates.
func (s *Scheduler) Decide(req correction.TurnRequest) (Decision, Reason) {
	class := s.Classify(req.Action)
	if class == correction.ActionWrite || req.MonetaryRisk {
		return Sync, ReasonWriteAction
	}
	if req.HighPriority {
		return Sync, ReasonHighPriority
	}
	if class == correction.ActionRead {
		return Async, ReasonReadAction
	}
	if class == correction.ActionUnknown && strings.TrimSpace(req.Action) != "" {
		return Sync, ReasonUnknownAction
	}
	return Async, ReasonDefault
}

// Classify buckets a declared action name by its leading verb.
func (s *Scheduler) Classify(action string) correction.ActionClass {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return correction.ActionUnknown
	}
	for _, v := range s.writeVerbs {
		if action == v || strings.HasPrefix(action, v+"_") || strings.HasPrefix(action, v+".") {
			return correction.ActionWrite
		}
	}
	for _, v := range s.readVerbs {
		if action == v || strings.HasPrefix(action, v+"_") || strings.HasPrefix(action, v+".") {
			return correction.ActionRead
		}
	}
	return correction.ActionUnknown
}
