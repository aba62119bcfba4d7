package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() PaymentEvent {
	return PaymentEvent{
		ID:                 "evt-1",
		Timestamp:          time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Amount:             1250,
		Currency:           "EUR",
		Channel:            ChannelWire,
		AccountID:          "acct-1",
		BeneficiaryID:      "bene-1",
		BeneficiaryCountry: "DE",
	}
}

func TestPaymentEventValidate(t *testing.T) {
	ev := validEvent()
	require.NoError(t, ev.Validate())

	tests := []struct {
		name string
		mod  func(*PaymentEvent)
	}{
		{"MissingID", func(e *PaymentEvent) { e.ID = "  " }},
		{"MissingAccount", func(e *PaymentEvent) { e.AccountID = "" }},
		{"MissingBeneficiary", func(e *PaymentEvent) { e.BeneficiaryID = "" }},
		{"ZeroAmount", func(e *PaymentEvent) { e.Amount = 0 }},
		{"NegativeAmount", func(e *PaymentEvent) { e.Amount = -5 }},
		{"NaNAmount", func(e *PaymentEvent) { e.Amount = math.NaN() }},
		{"PositiveInfAmount", func(e *PaymentEvent) { e.Amount = math.Inf(1) }},
		{"NegativeInfAmount", func(e *PaymentEvent) { e.Amount = math.Inf(-1) }},
		{"MissingTimestamp", func(e *PaymentEvent) { e.Timestamp = time.Time{} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mod(&ev)
			assert.ErrorIs(t, ev.Validate(), ErrInvalidEvent)
		})
	}

	var nilEvent *PaymentEvent
	assert.ErrorIs(t, nilEvent.Validate(), ErrInvalidEvent)
}

func TestPaymentEventUnknownFields(t *testing.T) {
	body := []byte(`{
		"id": "e1",
		"timestamp": "2026-03-02T10:00:00Z",
		"amount": 10,
		"accountId": "acct-1",
		"beneficiaryId": "bene-1",
		"purposeCode": "SUPP",
		"invoiceRef": "INV-9",
		"batch": {"seq": 12345678901234567}
	}`)

	var ev PaymentEvent
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, 10.0, ev.Amount)
	assert.Equal(t, "acct-1", ev.AccountID)
	require.Len(t, ev.Extra, 3)
	assert.Equal(t, "SUPP", ev.Extra["purposeCode"])
	assert.Equal(t, "INV-9", ev.Extra["invoiceRef"])
	assert.NotContains(t, ev.Extra, "amount")

	t.Run("RoundTrip", func(t *testing.T) {
		data, err := json.Marshal(ev)
		require.NoError(t, err)

		var fields map[string]any
		require.NoError(t, json.Unmarshal(data, &fields))
		assert.Equal(t, "SUPP", fields["purposeCode"])
		assert.Equal(t, "INV-9", fields["invoiceRef"])
		assert.Equal(t, "e1", fields["id"])
		assert.Contains(t, string(data), "12345678901234567")

		var again PaymentEvent
		require.NoError(t, json.Unmarshal(data, &again))
		assert.Equal(t, ev, again)
	})

	t.Run("PointerAndValueEncodeAlike", func(t *testing.T) {
		byValue, err := json.Marshal(ev)
		require.NoError(t, err)
		byPointer, err := json.Marshal(&ev)
		require.NoError(t, err)
		assert.Equal(t, string(byValue), string(byPointer))
	})

	t.Run("KnownFieldsMatchCaseInsensitively", func(t *testing.T) {
		var e PaymentEvent
		require.NoError(t, json.Unmarshal([]byte(`{"ID":"e2","Amount":5}`), &e))
		assert.Equal(t, "e2", e.ID)
		assert.Empty(t, e.Extra)
	})

	t.Run("ExtraCannotShadowKnownFields", func(t *testing.T) {
		e := validEvent()
		e.Extra = map[string]any{"amount": 1, "note": "x"}
		data, err := json.Marshal(e)
		require.NoError(t, err)

		var back PaymentEvent
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, 1250.0, back.Amount)
		assert.Equal(t, map[string]any{"note": "x"}, back.Extra)
	})

	t.Run("NoExtra", func(t *testing.T) {
		data, err := json.Marshal(validEvent())
		require.NoError(t, err)
		assert.NotContains(t, string(data), "extra")

		var back PaymentEvent
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Nil(t, back.Extra)
	})
}
