package facts

import (
	"sort"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
)

// AddressSimilarity is the minimum levenshtein similarity for two canonical
// addresses to be treated as the same value.
const AddressSimilarity = 0.85

// TypeRule is the registry entry for one fact type: where it lives, whether
// several distinct values may coexist, and how values are compared and rendered.
type TypeRule struct {
	Name        string
	Layer       Layer
	MultiValued bool
	Label       string
	// Known is false for rules synthesized for fact types missing from the table.
	Known bool

	normalize func(string) string
	similar   func(a, b string) bool
	format    func(label, owner, value string) string
}

// Canonical returns the comparison form of a raw value.
func (r TypeRule) Canonical(raw string) string {
	if IsNotAvailable(raw) {
		return NotAvailable
	}
	if r.normalize == nil {
		return normalizeDefault(raw)
	}
	return r.normalize(raw)
}

// SameValue reports whether two raw values denote the same fact value.
// The "not available" sentinel only matches itself.
func (r TypeRule) SameValue(a, b string) bool {
	ca, cb := r.Canonical(a), r.Canonical(b)
	if ca == cb {
		return true
	}
	if ca == NotAvailable || cb == NotAvailable || r.similar == nil {
		return false
	}
	return r.similar(ca, cb)
}

// Conclude renders the human-readable sentence for a value owned by owner.
func (r TypeRule) Conclude(owner, raw string) string {
	value := strings.TrimSpace(raw)
	if IsNotAvailable(value) {
		value = NotAvailable
	}
	if r.format == nil {
		return ofIs(r.Label, owner, value)
	}
	return r.format(r.Label, owner, value)
}

var notAvailableForms = map[string]struct{}{
	"not available": {}, "notavailable": {}, "n/a": {}, "na": {},
	"unknown": {}, "none": {}, "not provided": {}, "not mentioned": {}, "": {},
}

// IsNotAvailable reports whether raw is one of the "value not stated" forms.
func IsNotAvailable(raw string) bool {
	v := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	_, ok := notAvailableForms[v]
	return ok
}

func ofIs(label, owner, value string) string {
	return label + " of " + owner + " is " + value
}

func contactOf(label, owner, value string) string {
	return label + " of " + owner + ": " + value
}

func normalizeDefault(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func digitsOnly(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// defaultCountryCode is dropped so local and international forms of the same
// number compare equal. Other country codes stay part of the value.
const defaultCountryCode = "91"

func normalizePhone(raw string) string {
	d := strings.TrimPrefix(digitsOnly(raw), "00")
	switch {
	case len(d) == 10+len(defaultCountryCode) && strings.HasPrefix(d, defaultCountryCode):
		d = d[len(defaultCountryCode):]
	case len(d) == 11 && d[0] == '0':
		d = d[1:]
	}
	return d
}

func normalizeEmail(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), ""))
}

func normalizeDocumentID(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeAddress(raw string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, raw)
	return strings.Join(strings.Fields(mapped), " ")
}

func similarAddress(a, b string) bool {
	return levenshtein.Similarity(a, b, nil) >= AddressSimilarity
}

// rule constructors keep the table below readable
func single(name string, layer Layer, label string) TypeRule {
	return TypeRule{Name: name, Layer: layer, Label: label, Known: true}
}

func multi(name string, layer Layer, label string) TypeRule {
	return TypeRule{Name: name, Layer: layer, Label: label, MultiValued: true, Known: true}
}

func (r TypeRule) withNormalize(fn func(string) string) TypeRule {
	r.normalize = fn
	return r
}

func (r TypeRule) withSimilar(fn func(a, b string) bool) TypeRule {
	r.similar = fn
	return r
}

func (r TypeRule) withFormat(fn func(label, owner, value string) string) TypeRule {
	r.format = fn
	return r
}

var registry = buildRegistry(
	// Layer 1
	single("name", LayerIdentity, "Name"),
	single("age", LayerIdentity, "Age"),
	single("date_of_birth", LayerIdentity, "Date of birth"),
	single("gender", LayerIdentity, "Gender"),
	single("nationality", LayerIdentity, "Nationality"),
	single("blood_group", LayerIdentity, "Blood group"),
	single("relationship_status", LayerIdentity, "Relationship status"),
	single("occupation", LayerIdentity, "Occupation"),
	single("company", LayerIdentity, "Company"),
	single("address", LayerIdentity, "Home address").
		withNormalize(normalizeAddress).withSimilar(similarAddress),
	multi("phone_number", LayerIdentity, "Phone number").withNormalize(normalizePhone),
	multi("email", LayerIdentity, "Email address").withNormalize(normalizeEmail),

	// Layer 2
	single("aadhaar", LayerDocuments, "Aadhaar number").withNormalize(digitsOnly),
	single("pan", LayerDocuments, "PAN number").withNormalize(normalizeDocumentID),
	single("passport_number", LayerDocuments, "Passport number").withNormalize(normalizeDocumentID),
	single("driving_license", LayerDocuments, "Driving license number").withNormalize(normalizeDocumentID),
	single("voter_id", LayerDocuments, "Voter ID").withNormalize(normalizeDocumentID),
	multi("document_type", LayerDocuments, "Document").
		withFormat(func(_, owner, value string) string { return owner + " shared a document of type " + value }),
	multi("insurance_policy", LayerDocuments, "Insurance policy"),
	multi("rent_agreement", LayerDocuments, "Rent agreement"),
	multi("utility_bill", LayerDocuments, "Utility bill"),
	multi("bank_account", LayerDocuments, "Bank account").withNormalize(normalizeDocumentID),

	// Layer 3
	single("spouse", LayerRelations, "Spouse").withFormat(contactOf),
	single("mother", LayerRelations, "Mother").withFormat(contactOf),
	single("father", LayerRelations, "Father").withFormat(contactOf),
	multi("brother", LayerRelations, "Brother").withFormat(contactOf),
	multi("sister", LayerRelations, "Sister").withFormat(contactOf),
	multi("son", LayerRelations, "Son").withFormat(contactOf),
	multi("daughter", LayerRelations, "Daughter").withFormat(contactOf),
	multi("family_member", LayerRelations, "Family member").withFormat(contactOf),
	multi("friend", LayerRelations, "Friend").withFormat(contactOf),
	multi("colleague", LayerRelations, "Colleague").withFormat(contactOf),
	multi("roommate", LayerRelations, "Roommate").withFormat(contactOf),
	multi("partner", LayerRelations, "Partner").withFormat(contactOf),
	multi("contact_name", LayerRelations, "Contact").withFormat(contactOf),
	multi("relationship", LayerRelations, "Relation").withFormat(contactOf),

	// Layer 4
	multi("food_preference", LayerPreferences, "Food preference").withFormat(contactOf),
	multi("restaurant_preference", LayerPreferences, "Preferred restaurant").withFormat(contactOf),
	multi("music_preference", LayerPreferences, "Music preference").withFormat(contactOf),
	multi("interests", LayerPreferences, "Interest").withFormat(contactOf),
	multi("hobby", LayerPreferences, "Hobby").withFormat(contactOf),
	multi("allergy", LayerPreferences, "Allergy").
		withFormat(func(_, owner, value string) string { return owner + " is allergic to " + value }),
	multi("service_provider", LayerPreferences, "Service provider").withFormat(contactOf),
	multi("vendor_name", LayerPreferences, "Vendor used").withFormat(contactOf),
	multi("habit", LayerPreferences, "Personal habit").withFormat(contactOf),
	multi("routine", LayerPreferences, "Routine").withFormat(contactOf),
	multi("standing_instruction", LayerPreferences, "Standing instruction").withFormat(contactOf),
	multi("travel_plan", LayerPreferences, "Travel plan").withFormat(contactOf),
	multi("flight_number", LayerPreferences, "Flight number").withNormalize(normalizeDocumentID),
	multi("travel_date", LayerPreferences, "Travel date"),
)

var aliases = map[string]string{
	"phone":                 "phone_number",
	"mobile":                "phone_number",
	"mobile_number":         "phone_number",
	"contact_number":        "phone_number",
	"phone_no":              "phone_number",
	"email_address":         "email",
	"email_id":              "email",
	"dob":                   "date_of_birth",
	"birth_date":            "date_of_birth",
	"birthday":              "date_of_birth",
	"home_address":          "address",
	"residential_address":   "address",
	"marital_status":        "relationship_status",
	"job":                   "occupation",
	"employer":              "company",
	"aadhar":                "aadhaar",
	"aadhar_number":         "aadhaar",
	"aadhaar_number":        "aadhaar",
	"aadhaar_card":          "aadhaar",
	"pan_number":            "pan",
	"pan_card":              "pan",
	"passport":              "passport_number",
	"driving_licence":       "driving_license",
	"dl_number":             "driving_license",
	"voter_id_number":       "voter_id",
	"spouse_name":           "spouse",
	"wife":                  "spouse",
	"husband":               "spouse",
	"mother_name":           "mother",
	"father_name":           "father",
	"relationship_type":     "relationship",
	"interest":              "interests",
	"hobbies":               "hobby",
	"favourite_food":        "food_preference",
	"favorite_food":         "food_preference",
	"favorite_restaurant":   "restaurant_preference",
	"favourite_restaurant":  "restaurant_preference",
	"vendor":                "vendor_name",
	"allergies":             "allergy",
	"standing_instructions": "standing_instruction",
}

// Category keywords for fact types absent from the table, checked in order.
var layerKeywords = []struct {
	layer Layer
	words []string
}{
	{LayerRelations, []string{"mother", "father", "brother", "sister", "son", "daughter", "wife", "husband",
		"spouse", "friend", "colleague", "family", "uncle", "aunt", "cousin", "nephew", "niece",
		"grandmother", "grandfather", "partner", "roommate", "relative", "relation", "child", "kid"}},
	{LayerPreferences, []string{"preference", "favorite", "favourite", "likes", "dislikes", "hobby",
		"interest", "vendor", "provider", "routine", "habit", "instruction", "travel", "restaurant",
		"food", "diet", "music", "movie", "sport", "brand"}},
	{LayerDocuments, []string{"card", "document", "license", "licence", "passport", "certificate",
		"policy", "insurance", "account", "bill", "agreement", "aadhaar", "aadhar", "pan", "voter", "ifsc"}},
	{LayerIdentity, []string{"name", "birth", "age", "gender", "phone", "email", "address",
		"nationality", "occupation", "blood", "city", "profession"}},
}

func buildRegistry(rules ...TypeRule) map[string]TypeRule {
	m := make(map[string]TypeRule, len(rules))
	for _, r := range rules {
		m[r.Name] = r
	}
	return m
}

// NormalizeType lowercases a raw fact-type tag, joins words with underscores
// and resolves known aliases.
func NormalizeType(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)
	s = strings.Join(strings.Fields(s), "_")
	if canonical, ok := aliases[s]; ok {
		return canonical
	}
	return s
}

// Rule returns the registry entry for a fact type. Types missing from the
// table get a synthesized multi-valued rule whose layer is inferred from the
// words in the tag, defaulting to the preferences layer.
func Rule(factType string) TypeRule {
	name := NormalizeType(factType)
	if r, ok := registry[name]; ok {
		return r
	}
	return TypeRule{
		Name:        name,
		Layer:       inferLayer(name),
		MultiValued: true,
		Label:       labelFor(name),
	}
}

// LayerOf is shorthand for Rule(factType).Layer.
func LayerOf(factType string) Layer {
	return Rule(factType).Layer
}

// KnownTypes returns the registered fact types of a layer.
func KnownTypes(layer Layer) []string {
	var out []string
	for name, r := range registry {
		if r.Layer == layer {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func inferLayer(name string) Layer {
	tokens := strings.Split(name, "_")
	for _, group := range layerKeywords {
		for _, tok := range tokens {
			for _, w := range group.words {
				if tok == w {
					return group.layer
				}
			}
		}
	}
	return LayerPreferences
}

func labelFor(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		if i == 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
