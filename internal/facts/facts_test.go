package facts

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFor(t *testing.T) {
	cases := []struct {
		in   float64
		want ConfidenceLevel
	}{
		{1.0, LevelHigh},
		{0.90, LevelHigh},
		{0.8999, LevelMedium},
		{0.70, LevelMedium},
		{0.6999, LevelLow},
		{0, LevelLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevelFor(tc.in), "confidence %v", tc.in)
	}
}

func TestScoreClampsAndBoosts(t *testing.T) {
	c, lvl := Score(1.7, 1)
	assert.Equal(t, 1.0, c)
	assert.Equal(t, LevelHigh, lvl)

	c, lvl = Score(-0.3, 1)
	assert.Equal(t, 0.0, c)
	assert.Equal(t, LevelLow, lvl)

	c, _ = Score(math.NaN(), 3)
	assert.InDelta(t, 0.04, c, 1e-9)

	c, lvl = Score(0.88, 2)
	assert.InDelta(t, 0.90, c, 1e-9)
	assert.Equal(t, LevelHigh, lvl)

	c, _ = Score(0.99, 10)
	assert.Equal(t, 1.0, c)
}

func TestRecombine(t *testing.T) {
	c, lvl := Recombine(0.72, 0.80, 0)
	assert.InDelta(t, 0.80, c, 1e-9)
	assert.Equal(t, LevelMedium, lvl)

	c, _ = Recombine(0.85, 0.80, 3)
	assert.InDelta(t, 0.91, c, 1e-9)
}

func TestParseLayer(t *testing.T) {
	for _, in := range []string{"Layer2", "layer_2", "2", " LAYER2 "} {
		l, err := ParseLayer(in)
		require.NoError(t, err, in)
		assert.Equal(t, LayerDocuments, l)
	}
	_, err := ParseLayer("Layer7")
	assert.Error(t, err)
	_, err = ParseLayer("docs")
	assert.Error(t, err)
	assert.Equal(t, "Layer3", LayerRelations.String())
}

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, "phone_number", NormalizeType("Phone"))
	assert.Equal(t, "phone_number", NormalizeType("mobile number"))
	assert.Equal(t, "aadhaar", NormalizeType("Aadhar-Number"))
	assert.Equal(t, "date_of_birth", NormalizeType("DOB"))
	assert.Equal(t, "music_preference", NormalizeType("Music Preference"))
	assert.Equal(t, "spouse", NormalizeType("wife"))
}

func TestRuleLayers(t *testing.T) {
	assert.Equal(t, LayerIdentity, LayerOf("phone_number"))
	assert.Equal(t, LayerDocuments, LayerOf("pan_card"))
	assert.Equal(t, LayerRelations, LayerOf("mother"))
	assert.Equal(t, LayerPreferences, LayerOf("travel_plan"))

	// unknown types are placed by category words, never dropped
	assert.Equal(t, LayerRelations, LayerOf("grandmother_name"))
	assert.Equal(t, LayerDocuments, LayerOf("gym_membership_card"))
	assert.Equal(t, LayerPreferences, LayerOf("favorite_color"))
	assert.Equal(t, LayerPreferences, LayerOf("something_odd"))

	r := Rule("something_odd")
	assert.False(t, r.Known)
	assert.True(t, r.MultiValued)
	assert.Equal(t, "Something odd of asha is blue", r.Conclude("asha", "blue"))
}

func TestMultiValuedTable(t *testing.T) {
	assert.True(t, Rule("phone_number").MultiValued)
	assert.True(t, Rule("email").MultiValued)
	assert.True(t, Rule("interests").MultiValued)
	assert.False(t, Rule("date_of_birth").MultiValued)
	assert.False(t, Rule("aadhaar").MultiValued)
	assert.False(t, Rule("mother").MultiValued)
}

func TestSameValue(t *testing.T) {
	phone := Rule("phone_number")
	assert.True(t, phone.SameValue("+91-9876543210", "98765 43210"))
	assert.False(t, phone.SameValue("+91-9876543210", "9876543211"))
	assert.True(t, phone.SameValue("0091 98765 43210", "09876543210"))
	assert.False(t, phone.SameValue("+1 5551234567", "+91 5551234567"))
	assert.False(t, phone.SameValue("+44 20 7946 0958", "020 7946 0958"))

	email := Rule("email")
	assert.True(t, email.SameValue(" Asha@Example.com", "asha@example.com"))
	assert.False(t, email.SameValue("asha@example.com", "asha1@example.com"))

	addr := Rule("address")
	assert.True(t, addr.SameValue("12, MG Road, Bengaluru", "12 M.G. Road Bengaluru"))
	assert.True(t, addr.SameValue("12 MG Road, Bengaluru 560001", "12 MG Road Bengaluru 560001."))
	assert.False(t, addr.SameValue("12 MG Road, Bengaluru", "44 Park Street, Kolkata"))

	aadhaar := Rule("aadhaar")
	assert.True(t, aadhaar.SameValue("1234 5678 9012", "1234-5678-9012"))

	name := Rule("name")
	assert.True(t, name.SameValue("Asha Rao", "asha rao"))
}

func TestNotAvailableSentinel(t *testing.T) {
	r := Rule("date_of_birth")
	assert.True(t, r.SameValue("N/A", "not available"))
	assert.False(t, r.SameValue("N/A", "12/03/1990"))
	assert.Equal(t, NotAvailable, r.Canonical("Unknown"))
	assert.Equal(t, "Date of birth of asha is not available", r.Conclude("asha", "n/a"))
}

func TestConclude(t *testing.T) {
	assert.Equal(t, "Phone number of asha is +91-9876543210", Rule("phone").Conclude("asha", "+91-9876543210"))
	assert.Equal(t, "Friend of asha: Meera", Rule("friend").Conclude("asha", "Meera"))
	assert.Equal(t, "asha is allergic to peanuts", Rule("allergy").Conclude("asha", "peanuts"))
}

func TestErrorClassification(t *testing.T) {
	svc := &ExtractionServiceError{Provider: "openai", StatusCode: 429, Retryable: true, Err: errors.New("slow down")}
	wrapped := fmt.Errorf("window 2: %w", svc)
	assert.True(t, IsRetryable(wrapped))
	assert.Contains(t, svc.Error(), "status 429")

	var target *ExtractionServiceError
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "openai", target.Provider)

	assert.False(t, IsRetryable(&ValidationError{Field: "confidence", Reason: "out of range"}))
	assert.True(t, IsConcurrentModification(fmt.Errorf("x: %w", &ConcurrentModificationError{NodeID: "n1"})))
	assert.True(t, IsNotFound(&NotFoundError{Kind: "node", ID: "n1"}))

	inner := errors.New("disk full")
	assert.ErrorIs(t, &PersistenceError{Op: "create", Err: inner}, inner)
}

func TestCloneIsDeep(t *testing.T) {
	n := &FactNode{ID: "a", Evidence: []Evidence{{MessageID: "m1"}}}
	c := n.Clone()
	c.Evidence[0].MessageID = "m2"
	assert.Equal(t, "m1", n.Evidence[0].MessageID)
	assert.Equal(t, []string{"m1"}, n.MessageIDs())
}
