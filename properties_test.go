package occa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseProperties(t *testing.T) {
	props, err := ParseProperties(`mode=Serial, uva: enabled, defines.N=3, defines.EPS=1e-3, verbose=true, name="a b"`)
	require.NoError(t, err)
	require.Equal(t, Properties{
		PropMode:    "Serial",
		PropUVA:     "enabled",
		PropDefines: Properties{"N": int64(3), "EPS": 1e-3},
		PropVerbose: true,
		"name":      "a b",
	}, props)
	require.True(t, props.GetBool(PropUVA, false))
	require.Equal(t, int64(3), props.Defines().GetInt("N", 0))

	_, err = ParseProperties("mode")
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Panics(t, func() { MustParseProperties("=3") })
	require.Empty(t, MustParseProperties(" , "))
}

func TestPropertiesMerge(t *testing.T) {
	base := Properties{PropMode: "Serial", PropDefines: Properties{"N": 3, "M": 4}}
	merged := base.Merge(Properties{PropDefines: map[string]any{"N": 5}, "extra": "x"})
	require.Equal(t, Properties{
		PropMode:    "Serial",
		PropDefines: Properties{"N": 5, "M": 4},
		"extra":     "x",
	}, merged)

	// Neither operand changes.
	require.Equal(t, 3, base.Defines()["N"])
	merged.Defines()["M"] = 10
	require.Equal(t, 4, base.Defines()["M"])

	withDefine := base.WithDefine(LaunchDefine, 1)
	require.True(t, withDefine.Defines().Has(LaunchDefine))
	require.False(t, base.Defines().Has(LaunchDefine))

	var empty Properties
	require.Equal(t, Properties{"a": 1}, empty.Merge(Properties{"a": 1}))
}

func TestPropertiesGetters(t *testing.T) {
	props := Properties{"s": "str", "b": "off", "i": "42", "f": 2.0, "n": nil}
	require.Equal(t, "str", props.GetString("s", ""))
	require.Equal(t, "2", props.GetString("f", ""))
	require.Equal(t, "default", props.GetString("n", "default"))
	require.False(t, props.GetBool("b", true))
	require.True(t, props.GetBool("s", true), "unparseable booleans take the default")
	require.Equal(t, int64(42), props.GetInt("i", 0))
	require.Equal(t, int64(2), props.GetInt("f", 0))
	require.Equal(t, int64(-1), props.GetInt("missing", -1))
	require.Nil(t, props.Defines())
}

func TestPropertiesHash(t *testing.T) {
	p1 := Properties{PropMode: "Serial", PropDefines: Properties{"A": 1, "B": "x"}}
	p2 := Properties{PropDefines: map[string]any{"B": "x", "A": 1}, PropMode: "Serial"}
	require.Equal(t, `{defines: {A: 1, B: "x"}, mode: "Serial"}`, p1.String())
	require.Equal(t, p1.String(), p2.String())
	require.Equal(t, p1.Hash(), p2.Hash())

	p3 := p1.WithDefine("A", 2)
	require.NotEqual(t, p1.Hash(), p3.Hash())

	// Strings and numbers with the same text are different properties.
	require.NotEqual(t, Properties{"x": "1"}.Hash(), Properties{"x": 1}.Hash())
}
