// Package hitl implements the human-in-the-loop pipeline: parsing proposed
// action blocks out of recommendation output, persisting them for review, and
// turning an approval into an execution message. No action reaches the
// commerce API without passing through here.
package hitl

import (
	"encoding/json"
	"strings"

	"atlas/internal/domain/action"
	"atlas/internal/logging"
)

const (
	blockOpen  = "[PROPOSED_ACTION]"
	blockClose = "[/PROPOSED_ACTION]"
)

// ParseProposals extracts proposed action blocks from model output. The
// format is deterministic key: value lines between the markers:
//
//	[PROPOSED_ACTION]
//	action_type: update_product_price
//	description: Lower the price of SKU-1
//	parameters: {"variant_id": "42", "price": "19.99"}
//	[/PROPOSED_ACTION]
//
// Malformed blocks are skipped with a warning rather than failing the task;
// the analysis result is still useful without its broken proposals.
func ParseProposals(output string, logger logging.Logger) []action.Proposal {
	logger = logging.OrNop(logger)

	var proposals []action.Proposal
	rest := output
	for {
		start := strings.Index(rest, blockOpen)
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], blockClose)
		if end < 0 {
			logger.Warn("unterminated proposed action block, skipping remainder")
			break
		}
		block := rest[start+len(blockOpen) : start+end]
		rest = rest[start+end+len(blockClose):]

		proposal, ok := parseBlock(block, logger)
		if ok {
			proposals = append(proposals, proposal)
		}
	}
	return proposals
}

func parseBlock(block string, logger logging.Logger) (action.Proposal, bool) {
	var p action.Proposal
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "action_type":
			p.ActionType = action.Type(value)
		case "description":
			p.Description = value
		case "parameters":
			if !json.Valid([]byte(value)) {
				logger.Warn("proposed action has invalid parameters JSON, skipping block")
				return action.Proposal{}, false
			}
			p.Parameters = json.RawMessage(value)
		}
	}

	if !p.ActionType.Valid() {
		logger.Warn("proposed action has unknown type %q, skipping block", p.ActionType)
		return action.Proposal{}, false
	}
	if p.Description == "" || p.Parameters == nil {
		logger.Warn("proposed action of type %s missing description or parameters, skipping block", p.ActionType)
		return action.Proposal{}, false
	}
	return p, true
}

// StripProposals removes the proposal blocks from model output, leaving the
// prose that goes into the analysis result.
func StripProposals(output string) string {
	var b strings.Builder
	rest := output
	for {
		start := strings.Index(rest, blockOpen)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		end := strings.Index(rest[start:], blockClose)
		if end < 0 {
			break
		}
		rest = rest[start+end+len(blockClose):]
	}
	return strings.TrimSpace(b.String())
}
