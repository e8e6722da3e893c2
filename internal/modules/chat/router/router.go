// Package router turns a classified intent and a few request flags into the
// agent to run and the ordered tools it may call. It never calls tools.
package router

import (
	"github.com/yungbote/huddle-backend/internal/modules/chat/intent"
)

const (
	ToolSearchEvents       = "search_events"
	ToolSearchNearby       = "search_nearby"
	ToolAskPreference      = "ask_preference"
	ToolCreateDraft        = "create_draft"
	ToolRefineDraft        = "refine_draft"
	ToolPublishDraft       = "publish_draft"
	ToolListMyEvents       = "list_my_events"
	ToolCancelRegistration = "cancel_registration"
	ToolJoinEvent          = "join_event"
	ToolBrokerClarify      = "broker_clarify"
	ToolRecordPartner      = "record_partner_intent"
	ToolConfirmMatch       = "confirm_match"
)

var baseTools = map[intent.Label][]string{
	intent.Explore:     {ToolSearchEvents, ToolSearchNearby},
	intent.Create:      {ToolCreateDraft, ToolAskPreference},
	intent.ModifyDraft: {ToolRefineDraft, ToolPublishDraft},
	intent.Manage:      {ToolListMyEvents, ToolCancelRegistration, ToolJoinEvent},
	intent.Partner:     {ToolBrokerClarify, ToolRecordPartner, ToolSearchEvents, ToolConfirmMatch},
	intent.Chitchat:    nil,
	intent.Idle:        nil,
}

var identityGated = map[string]bool{
	ToolCreateDraft:        true,
	ToolRefineDraft:        true,
	ToolPublishDraft:       true,
	ToolListMyEvents:       true,
	ToolCancelRegistration: true,
	ToolRecordPartner:      true,
	ToolJoinEvent:          true,
	ToolConfirmMatch:       true,
}

// RequiresIdentity reports whether a tool acts on behalf of a signed-in user.
func RequiresIdentity(tool string) bool {
	return identityGated[tool]
}

type Flags struct {
	HasLocation     bool
	IsAuthenticated bool
	HasDraft        bool
}

type Decision struct {
	Agent string   `json:"agent"`
	Tools []string `json:"tools"`
}

type Router struct {
	catalog *Catalog
}

func New(catalog *Catalog) *Router {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Router{catalog: catalog}
}

func (r *Router) Catalog() *Catalog { return r.catalog }

func (r *Router) Route(l intent.Label, f Flags) Decision {
	return Decision{Agent: r.catalog.ForIntent(l).Name, Tools: Tools(l, f)}
}

// Tools returns the ordered candidate list for an intent.
func Tools(l intent.Label, f Flags) []string {
	base := baseTools[l]
	var ordered []string
	switch {
	case l == intent.Explore && !f.HasLocation:
		ordered = append([]string{ToolAskPreference}, base...)
	case l == intent.Create && f.HasDraft:
		ordered = append([]string{ToolRefineDraft, ToolPublishDraft}, base...)
	default:
		ordered = append([]string(nil), base...)
	}

	out := make([]string, 0, len(ordered))
	seen := make(map[string]bool, len(ordered))
	for _, name := range ordered {
		if seen[name] {
			continue
		}
		if !f.IsAuthenticated && identityGated[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
