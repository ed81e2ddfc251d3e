package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/jsonx"
)

var validate = validator.New()

// errMalformed marks a response that is not decodable JSON. The adapter
// treats it as a transient failure of the service.
var errMalformed = errors.New("malformed extraction response")

// flexID accepts message ids emitted as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := jsonx.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("message_id: %w", err)
	}
	*f = flexID(b)
	return nil
}

type layeredItem struct {
	Detail struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"detail"`
	Confidence *float64 `json:"confidence"`
	Evidence   []struct {
		MessageID flexID `json:"message_id"`
		Snippet   string `json:"message_snippet"`
		AltSnip   string `json:"snippet"`
	} `json:"evidence"`
	OwnershipReason string `json:"ownership_reason"`
}

// RawEvidence is one evidence reference as returned by the service.
type RawEvidence struct {
	MessageID string `validate:"required"`
	Snippet   string
}

// RawCandidate is a decoded but not yet accepted extraction result.
type RawCandidate struct {
	Layer           string        `validate:"required"`
	FactType        string        `validate:"required"`
	Value           string        `validate:"required"`
	Confidence      *float64      `validate:"required,gte=0,lte=1"`
	Evidence        []RawEvidence `validate:"required,min=1,dive"`
	OwnershipReason string
}

// ParseLayered decodes a layered response document. Markdown code fences and
// prose around the JSON object are tolerated. Undecodable input wraps
// errMalformed; a well-formed document with an unknown layer key is a
// *facts.ValidationError.
func ParseLayered(body []byte) ([]RawCandidate, error) {
	obj, ok := jsonObject(body)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object found", errMalformed)
	}

	var doc map[string][]layeredItem
	if err := jsonx.Unmarshal(obj, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []RawCandidate
	for _, key := range keys {
		if _, err := facts.ParseLayer(key); err != nil {
			return nil, &facts.ValidationError{Field: "layer", Value: key, Reason: "unknown layer"}
		}
		for _, item := range doc[key] {
			rc := RawCandidate{
				Layer:           key,
				FactType:        strings.TrimSpace(item.Detail.Type),
				Value:           strings.TrimSpace(item.Detail.Value),
				Confidence:      item.Confidence,
				OwnershipReason: item.OwnershipReason,
			}
			for _, ev := range item.Evidence {
				snippet := ev.Snippet
				if snippet == "" {
					snippet = ev.AltSnip
				}
				rc.Evidence = append(rc.Evidence, RawEvidence{
					MessageID: strings.TrimSpace(string(ev.MessageID)),
					Snippet:   snippet,
				})
			}
			out = append(out, rc)
		}
	}
	return out, nil
}

func jsonObject(body []byte) ([]byte, bool) {
	start := bytes.IndexByte(body, '{')
	end := bytes.LastIndexByte(body, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	return body[start : end+1], true
}

// Validate checks a decoded candidate against the contract: required fields,
// confidence in [0,1], at least one evidence item, and every evidence id
// present in the messages the call was given.
func Validate(rc RawCandidate, known map[string]struct{}) error {
	if err := validate.Struct(rc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &facts.ValidationError{
				Field:  fe.Namespace(),
				Value:  fmt.Sprint(fe.Value()),
				Reason: "failed " + fe.Tag() + " " + fe.Param(),
			}
		}
		return &facts.ValidationError{Field: "candidate", Reason: err.Error()}
	}
	for _, ev := range rc.Evidence {
		if _, ok := known[ev.MessageID]; !ok {
			return &facts.ValidationError{
				Field:  "evidence.message_id",
				Value:  ev.MessageID,
				Reason: "not present in the submitted messages",
			}
		}
	}
	return nil
}

// Candidate converts a validated raw candidate into the domain type.
func (rc RawCandidate) Candidate() facts.Candidate {
	c := facts.Candidate{
		FactType: rc.FactType,
		RawValue: rc.Value,
	}
	if rc.Confidence != nil {
		c.Confidence = *rc.Confidence
	}
	if l, err := facts.ParseLayer(rc.Layer); err == nil {
		c.Layer = l
	}
	for _, ev := range rc.Evidence {
		c.Evidence = append(c.Evidence, facts.Evidence{MessageID: ev.MessageID, Snippet: ev.Snippet})
	}
	return c
}
