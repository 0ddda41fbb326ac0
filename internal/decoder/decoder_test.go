package decoder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubalainen/rds-guard/internal/models"
)

func TestParse_BasicGroup0A(t *testing.T) {
	line := `{"pi":"0x9E04","group":"0A","ps":"P4 Sthlm","ta":true,"tp":true,"prog_type":"Varied"}`
	g, err := Parse([]byte(line))
	require.NoError(t, err)
	require.NotNil(t, g)

	assert.Equal(t, "0x9E04", g.PI)
	assert.Equal(t, models.Group0A, g.Group)
	assert.Equal(t, "P4 Sthlm", g.PS)
	require.NotNil(t, g.TA)
	assert.True(t, *g.TA)
	require.NotNil(t, g.TP)
	assert.True(t, *g.TP)
	assert.Equal(t, "Varied", g.ProgType)
}

func TestParse_TAFalseIsDistinctFromAbsent(t *testing.T) {
	g, err := Parse([]byte(`{"pi":"0x9E04","group":"0A","ta":false}`))
	require.NoError(t, err)
	require.NotNil(t, g.TA, "ta present-but-false must decode to a non-nil pointer")
	assert.False(t, *g.TA)

	g, err = Parse([]byte(`{"pi":"0x9E04","group":"2A","radiotext":"Trafikinfo"}`))
	require.NoError(t, err)
	assert.Nil(t, g.TA, "absent ta must stay nil")
	assert.Equal(t, "Trafikinfo", g.RadioText)
}

func TestParse_OtherNetwork(t *testing.T) {
	line := `{"pi":"0x9E04","group":"14A","other_network":{"pi":"0xC502","ps":"P3","ta":true,"kilohertz":103300}}`
	g, err := Parse([]byte(line))
	require.NoError(t, err)
	require.NotNil(t, g.OtherNetwork)
	assert.Equal(t, "0xC502", g.OtherNetwork.PI)
	assert.Equal(t, "P3", g.OtherNetwork.PS)
	require.NotNil(t, g.OtherNetwork.TA)
	assert.True(t, *g.OtherNetwork.TA)
	assert.Equal(t, 103300, g.OtherNetwork.KiloHertz)
}

func TestParse_RadiotextPlusTags(t *testing.T) {
	line := `{"pi":"0x9E04","group":"11A","radiotext_plus":{"item_running":true,"tags":[{"content-type":"item.artist","data":"Kent"},{"content-type":"item.title","data":"Musik non stop"}]}}`
	g, err := Parse([]byte(line))
	require.NoError(t, err)
	require.NotNil(t, g.RadiotextPlus)
	require.Len(t, g.RadiotextPlus.Tags, 2)
	assert.Equal(t, "item.artist", g.RadiotextPlus.Tags[0].ContentType)
	assert.Equal(t, "Kent", g.RadiotextPlus.Tags[0].Data)
}

func TestParse_NoPIIsDroppedWithoutError(t *testing.T) {
	g, err := Parse([]byte(`{"group":"0A","ps":"NOPI"}`))
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestParse_MalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"pi": "0x9E04", "group":`))
	assert.Error(t, err)
}

func TestRun_CountsMalformedAndForwardsGood(t *testing.T) {
	input := strings.Join([]string{
		`{"pi":"0x9E04","group":"0A","ps":"P4 Sthlm"}`,
		`this is not json`,
		``,
		`{"pi":"0x9E04","group":"2A","radiotext":"Olycka på E4"}`,
		`{"group":"0A","ps":"NOPI"}`,
	}, "\n")

	out := make(chan *models.DecodedGroup, 8)
	stats := &Stats{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, Run(ctx, strings.NewReader(input), out, stats))

	var got []*models.DecodedGroup
	for g := range out {
		got = append(got, g)
	}
	require.Len(t, got, 2, "only pi-carrying well-formed lines reach the rules engine")
	assert.EqualValues(t, 1, stats.Malformed())
	assert.EqualValues(t, 4, stats.Lines(), "empty lines are not counted")
}
