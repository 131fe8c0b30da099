package info_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warthog618/smsgw/info"
)

func TestHasPrefix(t *testing.T) {
	l := "cmd: blah"
	assert.True(t, info.HasPrefix(l, "cmd"))
	assert.False(t, info.HasPrefix(l, "cmd:"))
}

func TestTrimPrefix(t *testing.T) {
	patterns := []struct {
		name string
		in   string
		out  string
	}{
		{"no prefix", "info line", "info line"},
		{"prefix", "cmd:info line", "info line"},
		{"prefix and space", "cmd: info line", "info line"},
	}
	for _, p := range patterns {
		assert.Equal(t, p.out, info.TrimPrefix(p.in, "cmd"), p.name)
	}
}

func TestFields(t *testing.T) {
	patterns := []struct {
		name   string
		in     string
		cmd    string
		fields []string
	}{
		{"empty", "+CSQ: ", "+CSQ", []string{""}},
		{"single", "+CMGS: 42", "+CMGS", []string{"42"}},
		{"pair", "+CSQ: 21,99", "+CSQ", []string{"21", "99"}},
		{"spaced", "+CSQ: 21, 99", "+CSQ", []string{"21", "99"}},
		{"quoted", `+COPS: 0,0,"Foo, Inc"`, "+COPS", []string{"0", "0", `"Foo, Inc"`}},
		{"empty fields", "+CGNSINF: 1,,2,", "+CGNSINF", []string{"1", "", "2", ""}},
		{"no prefix", "1,2", "+CSQ", []string{"1", "2"}},
	}
	for _, p := range patterns {
		assert.Equal(t, p.fields, info.Fields(p.in, p.cmd), p.name)
	}
}

func TestUnquote(t *testing.T) {
	assert.Equal(t, "Foo", info.Unquote(`"Foo"`))
	assert.Equal(t, "Foo", info.Unquote("Foo"))
	assert.Equal(t, `"`, info.Unquote(`"`))
	assert.Equal(t, "", info.Unquote(`""`))
}
