package resolve

import (
	"testing"

	"github.com/insideestates/estates-etl/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func company(number, name string, previous ...string) model.Company {
	c := model.Company{Number: number, Name: name}
	for _, p := range previous {
		c.PreviousNames = append(c.PreviousNames, model.PreviousName{Name: p})
	}
	return c
}

func buildIndex(cs ...model.Company) *Index {
	b := NewIndexBuilder(len(cs))
	for _, c := range cs {
		b.Add(c)
	}
	return b.Build()
}

func TestIndex_CurrentNameLowestNumberWins(t *testing.T) {
	// Added out of order: the tie-break must not depend on input order.
	idx := buildIndex(
		company("00000002", "ACME LIMITED"),
		company("00000001", "ACME LTD"),
	)

	e, ok := idx.ByCurrentName("ACME")
	require.True(t, ok)
	assert.Equal(t, "00000001", e.Number)
	assert.Equal(t, 1, idx.Stats().SharedNames)
}

func TestIndex_ByNumberAndComposite(t *testing.T) {
	idx := buildIndex(company("845344", "S. NOTARO LIMITED"))

	e, ok := idx.ByNumber("00845344")
	require.True(t, ok)
	assert.Equal(t, "S. NOTARO LIMITED", e.Name)
	assert.Equal(t, "SNOTARO", e.NormName)

	_, ok = idx.ByNameAndNumber("SNOTARO", "00845344")
	assert.True(t, ok)
	_, ok = idx.ByNameAndNumber("SNOTARO", "")
	assert.False(t, ok)
}

func TestIndex_HistoricalNames(t *testing.T) {
	idx := buildIndex(
		company("00000001", "ACME LIMITED"),
		company("00000003", "BETA LTD", "ACME LIMITED"),
		company("00000004", "GAMMA LTD", "OLD GAMMA LTD", "GAMMA LIMITED"),
		company("00000005", "DELTA LTD", "OLD GAMMA LIMITED"),
	)

	_, ok := idx.ByHistoricalName("ACME")
	assert.False(t, ok, "a previous name must not shadow a current name")

	e, ok := idx.ByHistoricalName("OLDGAMMA")
	require.True(t, ok)
	assert.Equal(t, "00000004", e.Number)

	_, ok = idx.ByHistoricalName("GAMMA")
	assert.False(t, ok, "own current name is not a historical key")

	st := idx.Stats()
	assert.Equal(t, 4, st.Entities)
	assert.Equal(t, 1, st.HistoricalNames)
	assert.Equal(t, 1, st.ShadowedHistorical)
}

func TestIndex_HistoricalNameSlotCap(t *testing.T) {
	var prev []string
	for i := 0; i < 12; i++ {
		prev = append(prev, string(rune('A'+i))+" OLDNAME LTD")
	}
	idx := buildIndex(company("00000001", "NOW LTD", prev...))

	_, ok := idx.ByHistoricalName("JOLDNAME")
	assert.True(t, ok)
	_, ok = idx.ByHistoricalName("KOLDNAME")
	assert.False(t, ok)
}

func TestIndex_SkipsMissingNumbers(t *testing.T) {
	idx := buildIndex(company("", "NOBODY LTD"), company("00000009", "SOMEBODY LTD"))
	assert.Equal(t, 1, idx.Len())
	_, ok := idx.ByCurrentName("NOBODY")
	assert.False(t, ok)
}

func TestIndex_DuplicateNumbers(t *testing.T) {
	idx := buildIndex(company("1", "FIRST LTD"), company("00000001", "SECOND LTD"))
	e, ok := idx.ByNumber("00000001")
	require.True(t, ok)
	assert.Equal(t, 1, idx.Stats().DuplicateNumbers)
	assert.Contains(t, []string{"FIRST LTD", "SECOND LTD"}, e.Name)
}

func TestIndex_EmptyKeys(t *testing.T) {
	idx := buildIndex(company("00000001", "ACME LTD"))
	_, ok := idx.ByNumber("")
	assert.False(t, ok)
	_, ok = idx.ByCurrentName("")
	assert.False(t, ok)
}
