// Package models defines conversation type definitions to avoid circular imports.
package models

// StateType represents a specific state within the support conversation.
type StateType string

// FieldName identifies a form field collected from the customer.
type FieldName string

// IssueCategory is the coarse problem category used to tailor troubleshooting tips.
type IssueCategory string

// Role marks who authored a history turn.
type Role string

// Conversation states.
const (
	StateGreeting           StateType = "greeting"
	StateTroubleshooting    StateType = "troubleshooting"
	StateCheckResolved      StateType = "check_resolved"
	StateCollectForm        StateType = "collect_form"
	StateValidatingCustomer StateType = "validating_customer"
	StateConfirmData        StateType = "confirm_data"
	StateCompleted          StateType = "completed"
)

// AllStates lists every state in flow order.
var AllStates = []StateType{
	StateGreeting,
	StateTroubleshooting,
	StateCheckResolved,
	StateCollectForm,
	StateValidatingCustomer,
	StateConfirmData,
	StateCompleted,
}

// IsValid reports whether s is a known conversation state.
func (s StateType) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Form fields.
const (
	FieldInternalID   FieldName = "internal_id"
	FieldDescription  FieldName = "description"
	FieldAddress      FieldName = "address"
	FieldIssueType    FieldName = "issue_type"
	FieldProblemSince FieldName = "problem_since"
)

// DefaultFormFields is the required field list of the standard flow.
var DefaultFormFields = []FieldName{FieldInternalID, FieldDescription}

// ExtendedFormFields is the required field list of the alternate flow variant.
var ExtendedFormFields = []FieldName{FieldInternalID, FieldAddress, FieldIssueType, FieldDescription}

// IsKnownField reports whether f names a supported form field.
func IsKnownField(f FieldName) bool {
	switch f {
	case FieldInternalID, FieldDescription, FieldAddress, FieldIssueType, FieldProblemSince:
		return true
	default:
		return false
	}
}

// Issue categories, in menu order.
const (
	IssueNoConnection IssueCategory = "internet_mati"
	IssueSlow         IssueCategory = "internet_lambat"
	IssueWiFi         IssueCategory = "wifi"
	IssueFiberLOS     IssueCategory = "los"
	IssueOther        IssueCategory = "lainnya"
)

// IssueCategories lists categories in the order they are offered as a numbered menu.
var IssueCategories = []IssueCategory{IssueNoConnection, IssueSlow, IssueWiFi, IssueFiberLOS, IssueOther}

// Label returns the customer-facing label of the category.
func (c IssueCategory) Label() string {
	switch c {
	case IssueNoConnection:
		return "Internet mati total"
	case IssueSlow:
		return "Internet lambat"
	case IssueWiFi:
		return "Masalah WiFi"
	case IssueFiberLOS:
		return "Lampu LOS merah / kabel"
	case IssueOther:
		return "Lainnya"
	default:
		return string(c)
	}
}

// History roles.
const (
	RoleCustomer  Role = "customer"
	RoleAssistant Role = "assistant"
)
