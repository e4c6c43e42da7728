package passage

// Stage is a planning stage recorded in State.PlanningStage.
type Stage string

// Planning stages. INITIAL is the only valid entry stage.
const (
	StageInitial               Stage = "INITIAL"
	StageRequirementsGathering Stage = "REQUIREMENTS_GATHERING"
	StageCulturalAssessment    Stage = "CULTURAL_ASSESSMENT"
	StageDocumentCollection    Stage = "DOCUMENT_COLLECTION"
	StageVenueSelection        Stage = "VENUE_SELECTION"
	StageServicePlanning       Stage = "SERVICE_PLANNING"
	StageApprovalProcess       Stage = "APPROVAL_PROCESS"
	StageCoordination          Stage = "COORDINATION"
	StageCompleted             Stage = "COMPLETED"
	StageError                 Stage = "ERROR"
)

// Node identifiers of the default graph.
const (
	NodeRequirementsGathering = "requirements_gathering"
	NodeCulturalAssessment    = "cultural_assessment"
	NodeDocumentCollection    = "document_collection"
	NodeVenueSelection        = "venue_selection"
	NodeServicePlanning       = "service_planning"
	NodeApprovalProcess       = "approval_process"
	NodeCoordination          = "coordination"
	NodeCompleted             = "completed"
	NodeErrorHandler          = "error"
	NodeHumanReview           = "human_review"
)

// Stages lists every stage in workflow order.
var Stages = []Stage{
	StageInitial,
	StageRequirementsGathering,
	StageCulturalAssessment,
	StageDocumentCollection,
	StageVenueSelection,
	StageServicePlanning,
	StageApprovalProcess,
	StageCoordination,
	StageCompleted,
	StageError,
}

// Valid reports whether s is one of the fixed stages.
func (s Stage) Valid() bool {
	for _, known := range Stages {
		if s == known {
			return true
		}
	}
	return false
}
