package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOnSaleStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"AVAILABLE", StatusAvailable},
		{"sold_out", StatusSoldOut},
		{"UNAVAILABLE", StatusUnavailable},
		{"NOT_YET_ON_SALE", StatusUnavailable},
		{" SALES_ENDED ", StatusUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseOnSaleStatus(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := ParseOnSaleStatus("")
	assert.Error(t, err)
	assert.Equal(t, StatusUnknown, got)
}

func TestStatusObserved(t *testing.T) {
	assert.True(t, StatusSoldOut.Observed())
	assert.True(t, StatusUnavailable.Observed())
	assert.True(t, StatusAvailable.Observed())
	assert.False(t, StatusUnknown.Observed())
	assert.False(t, StatusRateLimited.Observed())
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "vip pass", NormalizeName("  ＶＩＰ　Pass "))
	assert.Equal(t, "general admission", NormalizeName("General_Admission"))
	assert.Equal(t, "", NormalizeName(""))
}

func TestMatchName(t *testing.T) {
	assert.True(t, MatchName("General Admission", nil))
	assert.True(t, MatchName("ＧＥＮＥＲＡＬ admission", []string{"general-admission"}))
	assert.False(t, MatchName("VIP", []string{"General Admission"}))
}

func TestSnapshotCount(t *testing.T) {
	a := TicketKey{EventID: "1", OccurrenceID: "1", TicketClassID: "a"}
	b := TicketKey{EventID: "1", OccurrenceID: "1", TicketClassID: "b"}
	snap := Snapshot{Statuses: map[TicketKey]Status{a: StatusAvailable, b: StatusSoldOut}}
	assert.Equal(t, 1, snap.Count(StatusAvailable))
	assert.Equal(t, 0, snap.Count(StatusRateLimited))
	assert.Equal(t, "1/1/a", a.String())
}
