package service

import (
	"sort"
	"strings"

	"github.com/vantagepay/agentmesh/internal/audit"
)

// AgentActivity is one row of the top-agents ranking.
type AgentActivity struct {
	AgentID  string `json:"agent_id"`
	Requests int    `json:"requests"`
}

// SecurityMetrics is a derived view over the audit log; nothing here is
// stored separately.
type SecurityMetrics struct {
	TotalRequests      int             `json:"total_requests"`
	SuccessfulRequests int             `json:"successful_requests"`
	FailedRequests     int             `json:"failed_requests"`
	BlockedRequests    int             `json:"blocked_requests"`
	TopAgents          []AgentActivity `json:"top_agents"`
	SecurityEvents     []audit.Entry   `json:"security_events"`
}

const topAgentsLimit = 10

// ComputeMetrics aggregates the full audit trail.
func ComputeMetrics(entries []audit.Entry) SecurityMetrics {
	metrics := SecurityMetrics{TotalRequests: len(entries)}
	perAgent := make(map[string]int)

	for _, entry := range entries {
		if entry.Success {
			metrics.SuccessfulRequests++
		} else {
			metrics.FailedRequests++
			if strings.Contains(entry.Action, "rate_limit") || strings.Contains(entry.Action, "blocked") {
				metrics.BlockedRequests++
			}
		}
		if entry.AgentID != "" {
			perAgent[entry.AgentID]++
		}
		if strings.Contains(entry.Action, "security") || strings.Contains(entry.Action, "auth") {
			metrics.SecurityEvents = append(metrics.SecurityEvents, entry)
		}
	}

	for agentID, count := range perAgent {
		metrics.TopAgents = append(metrics.TopAgents, AgentActivity{AgentID: agentID, Requests: count})
	}
	sort.Slice(metrics.TopAgents, func(i, j int) bool {
		if metrics.TopAgents[i].Requests != metrics.TopAgents[j].Requests {
			return metrics.TopAgents[i].Requests > metrics.TopAgents[j].Requests
		}
		return metrics.TopAgents[i].AgentID < metrics.TopAgents[j].AgentID
	})
	if len(metrics.TopAgents) > topAgentsLimit {
		metrics.TopAgents = metrics.TopAgents[:topAgentsLimit]
	}

	return metrics
}
