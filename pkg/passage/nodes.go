package passage

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Agents recorded in State.CurrentAgent by the built-in nodes.
const (
	AgentRequirements = "requirements_agent"
	AgentCultural     = "cultural_agent"
	AgentDocuments    = "document_agent"
	AgentVenue        = "venue_agent"
	AgentService      = "service_agent"
	AgentApproval     = "approval_agent"
	AgentCoordination = "coordination_agent"
	AgentSystem       = "system"
	AgentErrorHandler = "error_handler"
	AgentHumanReview  = "human_reviewer"
)

// Keys the built-in nodes read from the requirement and detail maps.
const (
	KeyCulturalConfirmed = "confirmed"
	KeySelectedVenue     = "selectedVenue"
	KeyEstimatedCost     = "estimatedCost"
	KeyCostApproved      = "costApproved"
	KeyCoordinated       = "coordinated"
)

// DefaultDocuments is used when requirements gathering finds no required
// documents.
var DefaultDocuments = []string{"death_certificate", "burial_permit", "identification"}

// NodeConfig tunes the built-in nodes.
type NodeConfig struct {
	// CostApprovalThreshold is the estimated cost above which service
	// planning asks for approval. Zero means 10000.
	CostApprovalThreshold float64

	// DefaultDocuments replaces the package-level DefaultDocuments.
	DefaultDocuments []string
}

func (c NodeConfig) withDefaults() NodeConfig {
	if c.CostApprovalThreshold <= 0 {
		c.CostApprovalThreshold = 10000
	}
	if len(c.DefaultDocuments) == 0 {
		c.DefaultDocuments = DefaultDocuments
	}
	return c
}

// builtinNodes carries the mechanics of each stage. No business rules.
type builtinNodes struct {
	cfg NodeConfig
}

// raise appends d to u unless a decision with the same id is pending.
func raise(s State, u *Update, d Decision) {
	if slices.ContainsFunc(s.PendingDecisions, func(p Decision) bool { return p.ID == d.ID }) {
		return
	}
	if d.Kind == "" {
		d.Kind = d.ID
	}
	u.PendingDecisions = append(u.PendingDecisions, d)
}

func (n builtinNodes) requirementsGathering(_ Context, s State) (Update, error) {
	u := Update{PlanningStage: StageRequirementsGathering, CurrentAgent: AgentRequirements}
	if len(s.DocumentsRequired) == 0 {
		u.DocumentsRequired = slices.Clone(n.cfg.DefaultDocuments)
	}
	return u, nil
}

func (n builtinNodes) culturalAssessment(_ Context, s State) (Update, error) {
	u := Update{PlanningStage: StageCulturalAssessment, CurrentAgent: AgentCultural}
	if len(s.CulturalRequirements) > 0 && s.CulturalRequirements[KeyCulturalConfirmed] != true {
		raise(s, &u, Decision{
			ID:          DecisionCulturalAccommodation,
			Description: "Confirm cultural and religious accommodations",
			Data:        maps.Clone(s.CulturalRequirements),
		})
	}
	return u, nil
}

func (n builtinNodes) documentCollection(_ Context, s State) (Update, error) {
	u := Update{PlanningStage: StageDocumentCollection, CurrentAgent: AgentDocuments}
	if outstanding := missing(s.DocumentsCollected, s.DocumentsRequired); len(outstanding) > 0 {
		raise(s, &u, Decision{
			ID:          DecisionDocumentsOutstanding,
			Description: fmt.Sprintf("%d required document(s) outstanding", len(outstanding)),
			Options:     outstanding,
			Data:        map[string]any{"missing": outstanding},
		})
	}
	return u, nil
}

func (n builtinNodes) venueSelection(_ Context, s State) (Update, error) {
	u := Update{PlanningStage: StageVenueSelection, CurrentAgent: AgentVenue}
	if venue, _ := s.VenueRequirements[KeySelectedVenue].(string); venue == "" {
		raise(s, &u, Decision{
			ID:          DecisionVenueChoice,
			Description: "Choose a venue for the service",
		})
	}
	return u, nil
}

func (n builtinNodes) servicePlanning(_ Context, s State) (Update, error) {
	u := Update{PlanningStage: StageServicePlanning, CurrentAgent: AgentService}
	raw, ok := s.ServiceDetails[KeyEstimatedCost]
	if !ok {
		return u, nil
	}
	cost, err := toFloat(raw)
	if err != nil {
		return Update{}, fmt.Errorf("service details %s: %w", KeyEstimatedCost, err)
	}
	if cost > n.cfg.CostApprovalThreshold && s.ServiceDetails[KeyCostApproved] != true {
		raise(s, &u, Decision{
			ID:          DecisionCostApproval,
			Description: fmt.Sprintf("Estimated cost %.2f exceeds %.2f", cost, n.cfg.CostApprovalThreshold),
			Options:     []string{"approve", "revise"},
			Data:        map[string]any{KeyEstimatedCost: cost, "threshold": n.cfg.CostApprovalThreshold},
		})
	}
	return u, nil
}

func (n builtinNodes) approvalProcess(_ Context, s State) (Update, error) {
	u := Update{PlanningStage: StageApprovalProcess, CurrentAgent: AgentApproval}
	for _, who := range missing(s.Approvals, RequiredApprovals) {
		raise(s, &u, Decision{
			ID:          DecisionApproval + ":" + who,
			Kind:        DecisionApproval,
			Description: "Approval required from " + who,
			Options:     []string{"approve", "reject"},
			Data:        map[string]any{"approver": who},
		})
	}
	return u, nil
}

func (n builtinNodes) coordination(_ Context, _ State) (Update, error) {
	return Update{
		PlanningStage:  StageCoordination,
		CurrentAgent:   AgentCoordination,
		ServiceDetails: map[string]any{KeyCoordinated: true},
	}, nil
}

func (n builtinNodes) completed(_ Context, _ State) (Update, error) {
	return Update{PlanningStage: StageCompleted, CurrentAgent: AgentSystem}, nil
}

func (n builtinNodes) errorHandler(ctx Context, s State) (Update, error) {
	ctx.Logger().Warn("workflow entered error stage", "errors", s.Errors)
	return Update{PlanningStage: StageError, CurrentAgent: AgentErrorHandler}, nil
}

func (n builtinNodes) humanReview(_ Context, _ State) (Update, error) {
	return Update{CurrentAgent: AgentHumanReview}, nil
}

// toFloat accepts the numeric forms a decoded or caller-built map holds.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
