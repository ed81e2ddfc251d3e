// Package facts defines the fact node model shared by every stage of the
// extraction and review lifecycle: layers, statuses, evidence, candidates and
// the fact-type registry that all other packages consult.
package facts

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Layer is one of the four fixed memory layers a fact belongs to.
type Layer int

const (
	LayerIdentity    Layer = 1 // basic personal information
	LayerDocuments   Layer = 2 // government ids, certificates, financial documents
	LayerRelations   Layer = 3 // loved ones and contacts
	LayerPreferences Layer = 4 // preferences, vendors, standing instructions
)

// Layers lists every valid layer in ascending order.
var Layers = []Layer{LayerIdentity, LayerDocuments, LayerRelations, LayerPreferences}

// Valid reports whether l is one of the four layers.
func (l Layer) Valid() bool {
	return l >= LayerIdentity && l <= LayerPreferences
}

// String renders the layer as "Layer1".."Layer4".
func (l Layer) String() string {
	return "Layer" + strconv.Itoa(int(l))
}

// Description is the human label of the layer.
func (l Layer) Description() string {
	switch l {
	case LayerIdentity:
		return "Basic Personal Information"
	case LayerDocuments:
		return "Information from Documents Shared"
	case LayerRelations:
		return "Loved Ones & Relations"
	case LayerPreferences:
		return "Preferences, Vendors, Standing Instructions"
	default:
		return "Unknown"
	}
}

// ParseLayer accepts "Layer2", "layer_2", "2".
func ParseLayer(s string) (Layer, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "layer")
	v = strings.TrimPrefix(v, "_")
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid layer %q", s)
	}
	l := Layer(n)
	if !l.Valid() {
		return 0, fmt.Errorf("layer %q out of range", s)
	}
	return l, nil
}

// Status is the review status of a fact node.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// ExtractionMethod records whether a node came from the first pass or a retry.
type ExtractionMethod string

const (
	MethodInitial   ExtractionMethod = "initial"
	MethodReprocess ExtractionMethod = "reprocess"
)

// NotAvailable is the raw value sentinel for facts whose literal value was not stated.
const NotAvailable = "not available"

// Evidence points at the source message supporting a fact.
type Evidence struct {
	MessageID string `json:"message_id"`
	Snippet   string `json:"snippet"`
}

// Message is one entry of a conversation input.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// User is the owner of fact nodes.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// FactNode is a single extracted, confidence-scored claim with evidence and a
// review status.
type FactNode struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Layer            Layer            `json:"layer"`
	FactType         string           `json:"fact_type"`
	RawValue         string           `json:"raw_value"`
	ConcludedFact    string           `json:"concluded_fact"`
	Confidence       float64          `json:"confidence"`
	ConfidenceLevel  ConfidenceLevel  `json:"confidence_level"`
	Status           Status           `json:"status"`
	Evidence         []Evidence       `json:"evidence"`
	NeedsReprocess   bool             `json:"needs_reprocess"`
	ReprocessCount   int              `json:"reprocess_attempts"`
	Exhausted        bool             `json:"reprocess_exhausted"`
	ParentUpdateID   string           `json:"parent_update_id,omitempty"`
	ExtractionMethod ExtractionMethod `json:"extraction_method"`
	ReviewedBy       string           `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time       `json:"reviewed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// MessageIDs returns the evidence message ids in order.
func (n *FactNode) MessageIDs() []string {
	ids := make([]string, 0, len(n.Evidence))
	for _, ev := range n.Evidence {
		ids = append(ids, ev.MessageID)
	}
	return ids
}

// Clone returns a deep copy of the node.
func (n *FactNode) Clone() *FactNode {
	if n == nil {
		return nil
	}
	c := *n
	c.Evidence = append([]Evidence(nil), n.Evidence...)
	if n.ReviewedAt != nil {
		t := *n.ReviewedAt
		c.ReviewedAt = &t
	}
	return &c
}

// Candidate is a fact proposed by the extractor before it becomes a node.
type Candidate struct {
	FactType      string     `json:"fact_type"`
	RawValue      string     `json:"raw_value"`
	ConcludedFact string     `json:"concluded_fact"`
	Confidence    float64    `json:"confidence"`
	Evidence      []Evidence `json:"evidence"`
	Layer         Layer      `json:"layer"`
}

// NodeQuery filters fact nodes. Zero values mean "any".
type NodeQuery struct {
	UserID         string
	FactType       string
	Layer          Layer
	Status         Status
	NeedsReprocess *bool
	ParentUpdateID string
	Limit          int
}

// Bool returns a pointer to b, for NodeQuery.NeedsReprocess.
func Bool(b bool) *bool { return &b }

// Transition describes a review decision applied to a pending node.
type Transition struct {
	To         Status
	ReviewedBy string
	ReviewedAt time.Time
}
