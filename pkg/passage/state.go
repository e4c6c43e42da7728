package passage

import (
	"maps"
	"slices"
	"time"
)

// State is the workflow state carried between nodes. Each field is a
// channel with its own reducer; see Apply.
type State struct {
	PlanningStage        Stage          `json:"planningStage"`
	CurrentAgent         string         `json:"currentAgent,omitempty"`
	FamilyRequirements   map[string]any `json:"familyRequirements,omitempty"`
	CulturalRequirements map[string]any `json:"culturalRequirements,omitempty"`
	VenueRequirements    map[string]any `json:"venueRequirements,omitempty"`
	ServiceDetails       map[string]any `json:"serviceDetails,omitempty"`
	DocumentsRequired    []string       `json:"documentsRequired,omitempty"`
	DocumentsCollected   []string       `json:"documentsCollected,omitempty"`
	Approvals            []string       `json:"approvals,omitempty"`
	PendingDecisions     []Decision     `json:"pendingDecisions,omitempty"`
	Errors               []string       `json:"errors,omitempty"`
	Timestamp            time.Time      `json:"timestamp"`
}

// Decision is a question waiting for a human answer.
type Decision struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	Options     []string       `json:"options,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Decision kinds raised by the built-in nodes.
const (
	DecisionCulturalAccommodation = "cultural_accommodation"
	DecisionDocumentsOutstanding  = "documents_outstanding"
	DecisionVenueChoice           = "venue_choice"
	DecisionCostApproval          = "cost_approval"
	DecisionApproval              = "approval"
)

// Channel names a State field. Values match the JSON names.
type Channel string

// State channels.
const (
	ChannelPlanningStage        Channel = "planningStage"
	ChannelCurrentAgent         Channel = "currentAgent"
	ChannelFamilyRequirements   Channel = "familyRequirements"
	ChannelCulturalRequirements Channel = "culturalRequirements"
	ChannelVenueRequirements    Channel = "venueRequirements"
	ChannelServiceDetails       Channel = "serviceDetails"
	ChannelDocumentsRequired    Channel = "documentsRequired"
	ChannelDocumentsCollected   Channel = "documentsCollected"
	ChannelApprovals            Channel = "approvals"
	ChannelPendingDecisions     Channel = "pendingDecisions"
	ChannelErrors               Channel = "errors"
	ChannelTimestamp            Channel = "timestamp"
)

// Update is a partial state produced by a node or supplied by a caller.
// Zero-valued fields are left alone. Channels named in Reset are replaced
// by the update's value, even when that value is empty.
type Update struct {
	PlanningStage        Stage          `json:"planningStage,omitempty"`
	CurrentAgent         string         `json:"currentAgent,omitempty"`
	FamilyRequirements   map[string]any `json:"familyRequirements,omitempty"`
	CulturalRequirements map[string]any `json:"culturalRequirements,omitempty"`
	VenueRequirements    map[string]any `json:"venueRequirements,omitempty"`
	ServiceDetails       map[string]any `json:"serviceDetails,omitempty"`
	DocumentsRequired    []string       `json:"documentsRequired,omitempty"`
	DocumentsCollected   []string       `json:"documentsCollected,omitempty"`
	Approvals            []string       `json:"approvals,omitempty"`
	PendingDecisions     []Decision     `json:"pendingDecisions,omitempty"`
	Errors               []string       `json:"errors,omitempty"`
	Reset                []Channel      `json:"reset,omitempty"`
}

// Apply merges u into s and returns the new state together with the
// channels that were written. s is not modified. Timestamp is always set
// to now.
//
// Reducers:
//   - errors, documentsCollected, approvals, pendingDecisions append
//   - the requirement and detail maps merge shallowly, later keys win
//   - planningStage, currentAgent and documentsRequired are replaced
func Apply(s State, u Update, now time.Time) (State, []Channel) {
	out := s.Clone()
	var written []Channel
	reset := func(c Channel) bool { return slices.Contains(u.Reset, c) }
	mark := func(c Channel) { written = append(written, c) }

	if u.PlanningStage != "" || reset(ChannelPlanningStage) {
		out.PlanningStage = u.PlanningStage
		mark(ChannelPlanningStage)
	}
	if u.CurrentAgent != "" || reset(ChannelCurrentAgent) {
		out.CurrentAgent = u.CurrentAgent
		mark(ChannelCurrentAgent)
	}
	if u.DocumentsRequired != nil || reset(ChannelDocumentsRequired) {
		out.DocumentsRequired = slices.Clone(u.DocumentsRequired)
		mark(ChannelDocumentsRequired)
	}

	mergeMap := func(c Channel, dst *map[string]any, src map[string]any) {
		switch {
		case reset(c):
			*dst = maps.Clone(src)
		case len(src) > 0:
			if *dst == nil {
				*dst = make(map[string]any, len(src))
			}
			maps.Copy(*dst, src)
		default:
			return
		}
		mark(c)
	}
	mergeMap(ChannelFamilyRequirements, &out.FamilyRequirements, u.FamilyRequirements)
	mergeMap(ChannelCulturalRequirements, &out.CulturalRequirements, u.CulturalRequirements)
	mergeMap(ChannelVenueRequirements, &out.VenueRequirements, u.VenueRequirements)
	mergeMap(ChannelServiceDetails, &out.ServiceDetails, u.ServiceDetails)

	appendStrings := func(c Channel, dst *[]string, src []string) {
		switch {
		case reset(c):
			*dst = slices.Clone(src)
		case len(src) > 0:
			*dst = append(*dst, src...)
		default:
			return
		}
		mark(c)
	}
	appendStrings(ChannelDocumentsCollected, &out.DocumentsCollected, u.DocumentsCollected)
	appendStrings(ChannelApprovals, &out.Approvals, u.Approvals)
	appendStrings(ChannelErrors, &out.Errors, u.Errors)

	switch {
	case reset(ChannelPendingDecisions):
		out.PendingDecisions = cloneDecisions(u.PendingDecisions)
		mark(ChannelPendingDecisions)
	case len(u.PendingDecisions) > 0:
		out.PendingDecisions = append(out.PendingDecisions, cloneDecisions(u.PendingDecisions)...)
		mark(ChannelPendingDecisions)
	}

	out.Timestamp = now
	mark(ChannelTimestamp)
	return out, written
}

// Clone returns a copy of s that shares no maps or slices with it.
// Map values are copied shallowly.
func (s State) Clone() State {
	out := s
	out.FamilyRequirements = maps.Clone(s.FamilyRequirements)
	out.CulturalRequirements = maps.Clone(s.CulturalRequirements)
	out.VenueRequirements = maps.Clone(s.VenueRequirements)
	out.ServiceDetails = maps.Clone(s.ServiceDetails)
	out.DocumentsRequired = slices.Clone(s.DocumentsRequired)
	out.DocumentsCollected = slices.Clone(s.DocumentsCollected)
	out.Approvals = slices.Clone(s.Approvals)
	out.PendingDecisions = cloneDecisions(s.PendingDecisions)
	out.Errors = slices.Clone(s.Errors)
	return out
}

func cloneDecisions(ds []Decision) []Decision {
	if ds == nil {
		return nil
	}
	out := make([]Decision, len(ds))
	for i, d := range ds {
		d.Options = slices.Clone(d.Options)
		d.Data = maps.Clone(d.Data)
		out[i] = d
	}
	return out
}

// asUpdate turns an entry state into an update that writes every
// non-empty channel.
func (s State) asUpdate() Update {
	return Update{
		PlanningStage:        s.PlanningStage,
		CurrentAgent:         s.CurrentAgent,
		FamilyRequirements:   s.FamilyRequirements,
		CulturalRequirements: s.CulturalRequirements,
		VenueRequirements:    s.VenueRequirements,
		ServiceDetails:       s.ServiceDetails,
		DocumentsRequired:    s.DocumentsRequired,
		DocumentsCollected:   s.DocumentsCollected,
		Approvals:            s.Approvals,
		PendingDecisions:     s.PendingDecisions,
		Errors:               s.Errors,
	}
}

// bumpVersions returns versions with every written channel incremented.
func bumpVersions(versions map[string]int64, written []Channel) map[string]int64 {
	out := maps.Clone(versions)
	if out == nil {
		out = make(map[string]int64, len(written))
	}
	for _, c := range written {
		out[string(c)]++
	}
	return out
}
