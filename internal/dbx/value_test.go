package dbx

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2025, 6, 1, 8, 30, 0, 0, time.FixedZone("EEST", 3*3600))

	v := Time(in)
	require.Equal(t, "2025-06-01T05:30:00Z", v)

	out, err := ParseTime(sql.NullString{String: v.(string), Valid: true})
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
	assert.Equal(t, time.UTC, out.Location())
}

func TestTime_ZeroIsNull(t *testing.T) {
	assert.Nil(t, Time(time.Time{}))

	out, err := ParseTime(sql.NullString{})
	require.NoError(t, err)
	assert.True(t, out.IsZero())
}

func TestParseTime_Garbage(t *testing.T) {
	_, err := ParseTime(sql.NullString{String: "yesterday", Valid: true})
	require.Error(t, err)
}

func TestNullStringAndBool(t *testing.T) {
	assert.Nil(t, NullString(""))
	assert.Equal(t, "x", NullString("x"))
	assert.Equal(t, 1, Bool(true))
	assert.Equal(t, 0, Bool(false))
}
