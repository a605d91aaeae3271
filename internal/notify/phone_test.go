package notify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"987654321", "51987654321"},
		{"987 654 321", "51987654321"},
		{"+51 987-654-321", "51987654321"},
		{"51987654321", "51987654321"},
	}
	for _, tc := range cases {
		got, err := NormalizePhone(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestNormalizePhoneRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "12345", "5198765432199", "99987654321"} {
		_, err := NormalizePhone(in)
		require.True(t, shared.IsValidation(err), in)
	}
}
