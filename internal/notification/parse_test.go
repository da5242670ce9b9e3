package notification_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ngsisink/internal/notification"
)

var received = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const kitchenNotification = `{
  "id": "urn:ngsi-ld:Notification:1",
  "type": "Notification",
  "subscriptionId": "urn:ngsi-ld:Subscription:KitchenUpdates",
  "notifiedAt": "2025-03-01T11:59:59.500Z",
  "data": [
    {
      "id": "urn:ngsi-ld:Kitchen:Kitchen",
      "type": "Kitchen",
      "temperature": {"type": "Property", "value": 21.5, "observedAt": "2025-03-01T11:59:58.000Z"},
      "humidity": {"type": "Property", "value": 40, "observedAt": "2025-03-01T11:59:59.000Z"},
      "brightness": {"type": "Property", "value": null}
    }
  ]
}`

func TestParse_Normalized(t *testing.T) {
	env, skipped, err := notification.Parse([]byte(kitchenNotification), received)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, "urn:ngsi-ld:Subscription:KitchenUpdates", env.SubscriptionID)
	require.Len(t, env.Updates, 1)

	u := env.Updates[0]
	assert.Equal(t, "urn:ngsi-ld:Kitchen:Kitchen", u.ID)
	assert.Equal(t, "kitchen", u.Type)
	assert.Equal(t, "kitchen_data", u.Table())
	require.NotNil(t, u.Attributes["temperature"])
	assert.Equal(t, 21.5, *u.Attributes["temperature"])
	assert.Equal(t, 40.0, *u.Attributes["humidity"])
	assert.Nil(t, u.Attributes["brightness"])
	assert.Equal(t, []string{"humidity", "temperature"}, u.Present())
	assert.Equal(t, time.Date(2025, 3, 1, 11, 59, 59, 0, time.UTC), u.ObservedAt)
}

func TestParse_Malformed(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{"data": [`},
		{"scalar", `42`},
		{"no data", `{"id": "n1", "type": "Notification"}`},
		{"data not a list", `{"data": {"id": "X", "type": "Kitchen"}}`},
		{"empty body", ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, skipped, err := notification.Parse([]byte(tc.body), received)
			require.ErrorIs(t, err, notification.ErrMalformedPayload)
			assert.Nil(t, env)
			assert.Nil(t, skipped)
		})
	}
}

func TestParse_MissingRequiredFieldSkipsOnlyThatUpdate(t *testing.T) {
	body := `{"data": [
		{"type": "Kitchen", "temperature": {"value": 20}},
		{"id": "A", "temperature": {"value": 20}},
		{},
		"oops",
		{"id": "B", "type": "Kitchen", "temperature": {"value": 19}}
	]}`
	env, skipped, err := notification.Parse([]byte(body), received)
	require.NoError(t, err)
	require.Len(t, skipped, 4)
	for _, e := range skipped {
		assert.ErrorIs(t, e, notification.ErrMissingRequiredField)
	}
	require.Len(t, env.Updates, 1)
	assert.Equal(t, "B", env.Updates[0].ID)
}

func TestParse_MultiTypedEntityUsesFirstType(t *testing.T) {
	body := `{"data": [
		{"id": "A", "type": ["Kitchen", "Room"], "temperature": {"value": 20}},
		{"id": "B", "type": [], "temperature": {"value": 20}},
		{"id": "C", "type": [7, null], "temperature": {"value": 20}},
		{"id": "D", "type": ["", "Room"], "temperature": {"value": 20}}
	]}`
	env, skipped, err := notification.Parse([]byte(body), received)
	require.NoError(t, err)
	require.Len(t, skipped, 2)
	for _, e := range skipped {
		assert.ErrorIs(t, e, notification.ErrMissingRequiredField)
	}
	require.Len(t, env.Updates, 2)
	assert.Equal(t, "kitchen", env.Updates[0].Type)
	assert.Equal(t, "kitchen_data", env.Updates[0].Table())
	assert.Equal(t, "room", env.Updates[1].Type)
}

func TestParse_NonFiniteAndNonNumericAreAbsent(t *testing.T) {
	body := `{"data": [{
		"id": "X", "type": "Kitchen",
		"temperature": {"value": 1e400},
		"humidity": {"value": "wet"},
		"brightness": "bright"
	}]}`
	env, skipped, err := notification.Parse([]byte(body), received)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, env.Updates, 1)

	u := env.Updates[0]
	assert.Empty(t, u.Present())
	assert.Equal(t, received, u.ObservedAt, "falls back to receipt time")
}

func TestParse_KeyValuesList(t *testing.T) {
	body := `[{"id": "Y", "type": "https://example.org/types#Room3", "temperature": 18.25}]`
	env, _, err := notification.Parse([]byte(body), received)
	require.NoError(t, err)
	require.Len(t, env.Updates, 1)
	assert.Equal(t, "room3", env.Updates[0].Type)
	assert.Equal(t, 18.25, *env.Updates[0].Attributes["temperature"])
}

func TestNormalizeType(t *testing.T) {
	cases := map[string]string{
		"Kitchen":                   "kitchen",
		"  Bathroom ":               "bathroom",
		"Living Room":               "living_room",
		"urn:ngsi-ld:Toilet":        "toilet",
		"https://schema.org/Room-1": "room_1",
		"":                          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, notification.NormalizeType(in), in)
	}
}
