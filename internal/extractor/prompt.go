package extractor

import (
	"fmt"
	"strings"

	"github.com/fact-memory-kernel/internal/facts"
)

// SystemPrompt frames the service as a strict, ownership-aware extractor.
const SystemPrompt = `You extract personal facts for a personal assistant memory system.
Extract ONLY information that belongs to or is claimed by the target user.
Reject information about other people, temporary mentions and casual phrases.
When ownership is unclear, do not extract. Return JSON only.`

var layerScope = map[facts.Layer]string{
	facts.LayerIdentity:    "name, age, date_of_birth, gender, nationality, blood_group, relationship_status, address, phone_number, email, occupation, company",
	facts.LayerDocuments:   "aadhaar, pan, passport_number, driving_license, voter_id, insurance_policy, rent_agreement, utility_bill, bank_account",
	facts.LayerRelations:   "spouse, mother, father, brother, sister, son, daughter, friend, colleague, roommate; only when a specific name is given",
	facts.LayerPreferences: "food_preference, restaurant_preference, music_preference, interests, allergy, service_provider, vendor_name, habit, routine, standing_instruction, travel_plan",
}

const responseShape = `{
  "Layer1": [
    {
      "detail": {"type": "phone_number", "value": "+91-9876543210"},
      "confidence": 0.95,
      "evidence": [{"message_id": "<id from the conversation>", "message_snippet": "<exact text>"}],
      "ownership_reason": "<why this belongs to the user>"
    }
  ],
  "Layer2": [], "Layer3": [], "Layer4": []
}`

// BuildPrompt renders the user prompt for one call. Messages are listed as
// "[id] Sender: text" so evidence can cite ids verbatim.
func BuildPrompt(req Request) string {
	var b strings.Builder
	who := req.UserID
	if req.DisplayName != "" && req.DisplayName != req.UserID {
		who = fmt.Sprintf("%s (%s)", req.DisplayName, req.UserID)
	}

	if req.FocusFactType != "" {
		layer := req.FocusLayer
		if !layer.Valid() {
			layer = facts.LayerOf(req.FocusFactType)
		}
		fmt.Fprintf(&b, "A previous extraction of %q for %s was rejected by a reviewer.\n", req.FocusFactType, who)
		fmt.Fprintf(&b, "%s: %s.\n", layer, layer.Description())
		if req.RejectedValue != "" {
			fmt.Fprintf(&b, "The rejected value was %q. Do not return it again.\n", req.RejectedValue)
		}
		fmt.Fprintf(&b, "Find ONLY clear, unambiguous %q information in the conversation below. ", req.FocusFactType)
		b.WriteString("Be more careful than a first pass and extract only with high confidence (0.8 or above). ")
		b.WriteString("If nothing clear is found, return empty arrays.\n\n")
	} else {
		fmt.Fprintf(&b, "Target user: %s.\n", who)
		b.WriteString("Sort extracted facts into four layers:\n")
		for _, l := range facts.Layers {
			fmt.Fprintf(&b, "- %s %s: %s\n", l, l.Description(), layerScope[l])
		}
		b.WriteString("Travel plans belong to Layer4. Never extract a relation word (wife, nephew) without a name.\n")
		b.WriteString("Use \"not available\" as the value only when a fact is clearly stated without its value.\n\n")
	}

	b.WriteString("CONVERSATION:\n")
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.ID, m.Sender, strings.TrimSpace(m.Text))
	}
	b.WriteString("\nRespond with a JSON object shaped like:\n")
	b.WriteString(responseShape)
	b.WriteString("\nConfidence is a number between 0 and 1. Every item needs at least one evidence entry.\n")
	return b.String()
}
