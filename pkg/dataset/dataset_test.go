package dataset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	in := "name,price,template\nDesk,249,modern\nLamp,39,\nRug,120"
	ds, err := Read(strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "price", "template"}, ds.Columns)
	require.Equal(t, 3, ds.Len())

	assert.Equal(t, Row{"name": "Desk", "price": "249", "template": "modern"}, ds.Rows[0])
	// Short row is padded.
	assert.Equal(t, "", ds.Rows[2]["template"])
}

func TestRead_Errors(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		_, err := Read(strings.NewReader(""))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty")
	})

	t.Run("row longer than header", func(t *testing.T) {
		_, err := Read(strings.NewReader("a,b\n1,2,3"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "3 fields")
	})
}

func TestHasColumn(t *testing.T) {
	ds, err := Read(strings.NewReader("a,b\n1,2"))
	require.NoError(t, err)
	assert.True(t, ds.HasColumn("b"))
	assert.False(t, ds.HasColumn("c"))
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load("/does/not/exist.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
