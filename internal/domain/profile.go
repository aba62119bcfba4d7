package domain

import (
	"math"
	"strings"
	"time"
)

// EntityKind identifies what a behavioral profile summarizes.
type EntityKind string

const (
	EntityAccount     EntityKind = "account"
	EntityBeneficiary EntityKind = "beneficiary"
)

// EntityProfile is a fixed-size rolling summary of an entity's payment behavior.
// Values handed out by the profile store are snapshots and must not be modified.
type EntityProfile struct {
	EntityID      string               `json:"entityId"`
	Kind          EntityKind           `json:"kind"`
	Count         int64                `json:"count"`
	MeanAmount    float64              `json:"meanAmount"`
	VarAmount     float64              `json:"varAmount"`
	HourHistogram [24]uint32           `json:"hourHistogram"`
	Beneficiaries map[string]time.Time `json:"beneficiaries,omitempty"` // accounts only
	LastSeen      time.Time            `json:"lastSeen"`
	Version       uint64               `json:"version"`
}

// NewEntityProfile returns the empty profile used for unseen entities.
func NewEntityProfile(entityID string) *EntityProfile {
	p := &EntityProfile{EntityID: entityID, Kind: EntityAccount}
	if strings.HasPrefix(entityID, string(EntityBeneficiary)+":") {
		p.Kind = EntityBeneficiary
	}
	return p
}

// StdAmount returns the standard deviation of the amount distribution.
func (p *EntityProfile) StdAmount() float64 {
	if p == nil || p.VarAmount <= 0 {
		return 0
	}
	return math.Sqrt(p.VarAmount)
}

// HasSeenBeneficiary reports whether the account has paid the beneficiary before.
func (p *EntityProfile) HasSeenBeneficiary(beneficiaryID string) bool {
	if p == nil || p.Beneficiaries == nil {
		return false
	}
	_, ok := p.Beneficiaries[beneficiaryID]
	return ok
}

// HourTotal returns the number of observations in the hour histogram.
func (p *EntityProfile) HourTotal() uint64 {
	var total uint64
	for _, c := range p.HourHistogram {
		total += uint64(c)
	}
	return total
}

// Clone returns a deep copy suitable for copy-on-write updates.
func (p *EntityProfile) Clone() *EntityProfile {
	cp := *p
	if p.Beneficiaries != nil {
		cp.Beneficiaries = make(map[string]time.Time, len(p.Beneficiaries))
		for k, v := range p.Beneficiaries {
			cp.Beneficiaries[k] = v
		}
	}
	return &cp
}

// ProfileView is the pre-update profile snapshot a single event is scored against.
type ProfileView struct {
	Account     *EntityProfile
	Beneficiary *EntityProfile
}
