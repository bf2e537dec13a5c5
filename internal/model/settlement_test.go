package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettlementStatusTerminal(t *testing.T) {
	assert.True(t, SettlementReconciled.Terminal())
	assert.True(t, SettlementCompensated.Terminal())

	for _, s := range []SettlementStatus{
		SettlementCalculated, SettlementValidated, SettlementSubmitted,
		SettlementConfirmed, SettlementDisputed,
	} {
		assert.False(t, s.Terminal(), string(s))
	}
}
