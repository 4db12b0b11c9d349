package safety

import "tether/internal/types"

// =============================================================================
// CRISIS RESOURCE PAYLOAD
// =============================================================================

// ResourcePayload is the fixed response returned on the crisis path.
// Content is pre-approved and compiled in; no generation, no templating,
// no runtime configuration.
type ResourcePayload struct {
	CrisisType types.CrisisType `json:"crisis_type"`
	Message    string           `json:"message"`
	Resources  []Resource       `json:"resources"`
}

// Resource is one crisis support contact.
type Resource struct {
	Name        string `json:"name"`
	Contact     string `json:"contact"`
	Description string `json:"description"`
}

var crisisResources = []Resource{
	{
		Name:        "988 Suicide & Crisis Lifeline",
		Contact:     "call or text 988",
		Description: "Free, confidential support, available 24/7 in the US.",
	},
	{
		Name:        "Crisis Text Line",
		Contact:     "text HOME to 741741",
		Description: "Free 24/7 text-based support with a trained counselor.",
	},
	{
		Name:        "International Association for Suicide Prevention",
		Contact:     "https://www.iasp.info/resources/Crisis_Centres/",
		Description: "Directory of crisis centers outside the US.",
	},
}

const crisisMessage = "It sounds like you may be going through something serious. " +
	"You deserve support from a real person right now. " +
	"Please consider reaching out to one of these resources."

// Resources returns the fixed payload for a detected crisis type.
func Resources(crisisType types.CrisisType) ResourcePayload {
	return ResourcePayload{
		CrisisType: crisisType,
		Message:    crisisMessage,
		Resources:  crisisResources,
	}
}
