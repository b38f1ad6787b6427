package harvest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreRecordPopulatedFields(t *testing.T) {
	t.Parallel()

	lat, lng := 45.5, -73.6
	tests := []struct {
		name string
		rec  StoreRecord
		want int
	}{
		{name: "empty", rec: StoreRecord{}, want: 0},
		{name: "whitespace is empty", rec: StoreRecord{StoreID: "1", Name: "  "}, want: 1},
		{name: "coordinates count", rec: StoreRecord{StoreID: "1", Latitude: &lat, Longitude: &lng}, want: 3},
		{
			name: "full",
			rec: StoreRecord{
				StoreID: "1", Name: "n", Province: "ON", Address: "a", PostalCode: "p",
				Phone: "t", Hours: "h", URL: "u", Latitude: &lat, Longitude: &lng,
			},
			want: 10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.rec.PopulatedFields())
		})
	}
}

func TestProvinceTargetPageURL(t *testing.T) {
	t.Parallel()

	p := ProvinceTarget{Code: "BC", Name: "British Columbia", ListURL: "https://x.test/stores/{province}?page={page}"}
	require.Equal(t, "british-columbia", p.Slug())
	require.Equal(t, "https://x.test/stores/british-columbia?page=2", p.PageURL(2))
	require.Equal(t, "https://x.test/stores/british-columbia?page=1", p.PageURL(0))
}

func TestUnitStateTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StateSucceeded.Terminal())
	require.True(t, StateExhausted.Terminal())
	require.False(t, StateFailed.Terminal())
	require.False(t, StateChallenged.Terminal())
	require.False(t, StatePending.Terminal())
}
