package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Channel is the rail a payment travels on.
type Channel string

const (
	ChannelWire    Channel = "WIRE"
	ChannelACH     Channel = "ACH"
	ChannelMessage Channel = "MESSAGE" // SWIFT MT/MX style message-based payments
)

// PaymentEvent is a normalized payment handed to the engine by ingestion.
// It is never mutated after creation.
type PaymentEvent struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	Amount             float64   `json:"amount"`
	Currency           string    `json:"currency"`
	Channel            Channel   `json:"channel"`
	BeneficiaryID      string    `json:"beneficiaryId"`
	BeneficiaryCountry string    `json:"beneficiaryCountry"`
	AccountID          string    `json:"accountId"`
	Memo               string    `json:"memo,omitempty"`

	// Extra holds top-level fields the ingestion side sent that scoring does
	// not know about. They are kept on the event through storage and the bus,
	// but never read by rules or the scorer.
	Extra map[string]any `json:"-"`
}

// paymentEventFields has PaymentEvent's layout without its JSON methods.
type paymentEventFields PaymentEvent

// knownPaymentFields lists the lower-cased JSON keys of PaymentEvent's own
// fields. encoding/json matches keys case-insensitively, so Extra must too.
var knownPaymentFields = map[string]bool{
	"id":                 true,
	"timestamp":          true,
	"amount":             true,
	"currency":           true,
	"channel":            true,
	"beneficiaryid":      true,
	"beneficiarycountry": true,
	"accountid":          true,
	"memo":               true,
}

// UnmarshalJSON decodes the known fields and collects every other top-level
// key into Extra. Numbers in Extra are kept as json.Number.
func (e *PaymentEvent) UnmarshalJSON(data []byte) error {
	var known paymentEventFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = PaymentEvent(known)
	e.Extra = nil
	for key, value := range raw {
		if knownPaymentFields[strings.ToLower(key)] {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(value))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("extra field %q: %w", key, err)
		}
		if e.Extra == nil {
			e.Extra = make(map[string]any)
		}
		e.Extra[key] = v
	}
	return nil
}

// MarshalJSON writes Extra back as top-level keys next to the known fields.
// An Extra key that collides with a known field is skipped.
func (e PaymentEvent) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(paymentEventFields(e))
	if err != nil {
		return nil, err
	}

	extra := make(map[string]any, len(e.Extra))
	for key, value := range e.Extra {
		if !knownPaymentFields[strings.ToLower(key)] {
			extra[key] = value
		}
	}
	if len(extra) == 0 {
		return base, nil
	}
	tail, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("extra fields: %w", err)
	}

	out := make([]byte, 0, len(base)+len(tail))
	out = append(out, base[:len(base)-1]...)
	out = append(out, ',')
	return append(out, tail[1:]...), nil
}

// Validate checks the fields scoring depends on.
func (e *PaymentEvent) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: event is nil", ErrInvalidEvent)
	case strings.TrimSpace(e.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	case e.AccountID == "":
		return fmt.Errorf("%w: accountId is required", ErrInvalidEvent)
	case e.BeneficiaryID == "":
		return fmt.Errorf("%w: beneficiaryId is required", ErrInvalidEvent)
	case math.IsNaN(e.Amount) || math.IsInf(e.Amount, 0):
		return fmt.Errorf("%w: amount must be a finite number", ErrInvalidEvent)
	case e.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEvent)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	return nil
}

// AccountKey is the profile store key for the originating account.
func (e *PaymentEvent) AccountKey() string {
	return AccountEntityKey(e.AccountID)
}

// BeneficiaryKey is the profile store key for the beneficiary.
func (e *PaymentEvent) BeneficiaryKey() string {
	return BeneficiaryEntityKey(e.BeneficiaryID)
}

// AccountEntityKey namespaces an account ID for the profile store.
func AccountEntityKey(id string) string {
	return string(EntityAccount) + ":" + id
}

// BeneficiaryEntityKey namespaces a beneficiary ID for the profile store.
func BeneficiaryEntityKey(id string) string {
	return string(EntityBeneficiary) + ":" + id
}
