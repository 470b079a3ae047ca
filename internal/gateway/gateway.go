// Package gateway is the cross-tenant discovery endpoint. It shares
// the JSON-RPC envelope with the task front door but keeps no state:
// every reply is a synthetic completed task carrying the match list.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slyhq/sly/internal/logging"
	"github.com/slyhq/sly/internal/registry"
	"github.com/slyhq/sly/internal/rpc"
	"github.com/slyhq/sly/internal/task"
)

const (
	SkillListAgents = "list_agents"
	SkillFindAgent  = "find_agent"
)

type Gateway struct {
	agents registry.AgentLookup
	logger *logging.Logger
}

func New(agents registry.AgentLookup) *Gateway {
	return &Gateway{agents: agents, logger: logging.New("gateway")}
}

type sendParams struct {
	Message struct {
		Parts []task.Part `json:"parts"`
	} `json:"message"`
}

// Handle serves the discovery endpoint's single method. Unknown
// methods get the standard METHOD_NOT_FOUND.
func (g *Gateway) Handle(ctx context.Context, req *rpc.Request) *rpc.Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return rpc.ErrorResponse(req.ID, rpc.NewError(rpc.CodeInvalidRequest, "invalid JSON-RPC 2.0 request"))
	}
	if req.Method != "message/send" {
		return rpc.ErrorResponse(req.ID, rpc.NewError(rpc.CodeMethodNotFound, "discovery endpoint only supports message/send"))
	}

	var p sendParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return rpc.ErrorResponse(req.ID, rpc.NewError(rpc.CodeInvalidParams, "malformed params: "+err.Error()))
	}
	if len(p.Message.Parts) == 0 {
		return rpc.ErrorResponse(req.ID, rpc.NewError(rpc.CodeInvalidParams, "message.parts must be non-empty"))
	}

	skill, query, tags := parseSkill(p.Message.Parts)
	all, err := g.agents.ListAgents(ctx)
	if err != nil {
		g.logger.WithContext(ctx).WithError(err).Error("agent listing failed")
		return rpc.ErrorResponse(req.ID, rpc.NewError(rpc.CodeInternalError, "agent lookup failed"))
	}

	var matches []*registry.Agent
	switch skill {
	case SkillListAgents:
		matches = discoverable(all)
	case SkillFindAgent:
		matches = match(discoverable(all), query, tags)
	default:
		return rpc.ErrorResponse(req.ID, rpc.NewError(rpc.CodeInvalidParams, "unknown skill "+skill))
	}

	return rpc.ResultResponse(req.ID, syntheticResult(skill, matches))
}

// parseSkill extracts the requested skill from the message: a data
// part with a "skill" key wins; bare text is treated as a find_agent
// free-text query; anything else lists everything.
func parseSkill(parts []task.Part) (skill, query string, tags []string) {
	for _, p := range parts {
		if p.Kind == task.PartKindData && p.Data != nil {
			if s, ok := p.Data["skill"].(string); ok {
				q, _ := p.Data["query"].(string)
				if rawTags, ok := p.Data["tags"].([]any); ok {
					for _, rt := range rawTags {
						if tag, ok := rt.(string); ok {
							tags = append(tags, tag)
						}
					}
				}
				return s, q, tags
			}
		}
	}
	for _, p := range parts {
		if p.Kind == task.PartKindText && strings.TrimSpace(p.Text) != "" {
			return SkillFindAgent, strings.TrimSpace(p.Text), nil
		}
	}
	return SkillListAgents, "", nil
}

func discoverable(agents []*registry.Agent) []*registry.Agent {
	out := make([]*registry.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Active && a.Discoverable {
			out = append(out, a)
		}
	}
	return out
}

// match filters by explicit tags when given, otherwise by free-text
// match against name, description and tags.
func match(agents []*registry.Agent, query string, tags []string) []*registry.Agent {
	var out []*registry.Agent
	for _, a := range agents {
		if len(tags) > 0 {
			if hasAnyTag(a, tags) {
				out = append(out, a)
			}
			continue
		}
		if query == "" || matchesQuery(a, query) {
			out = append(out, a)
		}
	}
	return out
}

func hasAnyTag(a *registry.Agent, tags []string) bool {
	for _, want := range tags {
		for _, have := range a.Tags {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

func matchesQuery(a *registry.Agent, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(a.Name), q) ||
		strings.Contains(strings.ToLower(a.Description), q) {
		return true
	}
	for _, tag := range a.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// syntheticResult wraps the match list as a completed task with one
// data artifact, so discovery replies share the task wire shape.
func syntheticResult(skill string, matches []*registry.Agent) *task.Task {
	if matches == nil {
		matches = []*registry.Agent{}
	}
	now := time.Now().UTC()
	agents := make([]map[string]any, 0, len(matches))
	for _, a := range matches {
		agents = append(agents, map[string]any{
			"id":          a.ID,
			"name":        a.Name,
			"description": a.Description,
			"url":         a.URL,
			"tags":        a.Tags,
		})
	}
	return &task.Task{
		ID:            "gw-" + uuid.NewString(),
		State:         task.StateCompleted,
		StatusMessage: "discovery complete",
		Direction:     task.DirectionInbound,
		CreatedAt:     now,
		UpdatedAt:     now,
		Artifacts: []task.Artifact{{
			ArtifactID: uuid.NewString(),
			Name:       skill,
			MediaType:  "application/json",
			Parts: []task.Part{task.DataPart(map[string]any{
				"agents": agents,
				"count":  len(agents),
			})},
			CreatedAt: now,
		}},
	}
}
