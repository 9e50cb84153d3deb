package blobpath

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p, err := Parse("images/{name}.png")
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, p.Params())
	assert.False(t, p.IsBound())

	c, ok := p.Container()
	assert.True(t, ok)
	assert.Equal(t, "images", c)
	assert.Equal(t, "images/{name}.png", p.String())
}

func TestParseRejectsMalformedTemplates(t *testing.T) {
	cases := map[string]string{
		"no slash":          "images",
		"empty container":   "/{name}",
		"empty name":        "images/",
		"unclosed brace":    "images/{name",
		"stray close":       "images/name}",
		"empty capture":     "images/{}.png",
		"invalid ident":     "images/{1st}",
		"duplicate":         "{name}/{name}.png",
		"adjacent captures": "images/{a}{b}",
	}
	for label, tmpl := range cases {
		t.Run(label, func(t *testing.T) {
			_, err := Parse(tmpl)
			var perr *ParseError
			require.Error(t, err)
			assert.True(t, errors.As(err, &perr), "want ParseError, got %T", err)
		})
	}
}

func TestMatchCapturesAcrossSegments(t *testing.T) {
	p := MustParse("logs/{year}/{file}")
	got, ok := p.Match("logs/2024/app.txt")
	require.True(t, ok)
	assert.Equal(t, Captures{"year": "2024", "file": "app.txt"}, got)
}

func TestMatchTrailingCaptureTakesRest(t *testing.T) {
	p := MustParse("input/{path}")
	got, ok := p.Match("input/a/b/c.json")
	require.True(t, ok)
	assert.Equal(t, "a/b/c.json", got["path"])
}

func TestMatchExtensionIsAnchored(t *testing.T) {
	p := MustParse("data/{name}.csv")
	got, ok := p.Match("data/a.b.csv")
	require.True(t, ok)
	assert.Equal(t, "a.b", got["name"])

	_, ok = p.Match("data/a.csv.bak")
	assert.False(t, ok)
}

func TestMatchNameCaptureSpansVirtualDirectories(t *testing.T) {
	p := MustParse("images/{name}.png")
	got, ok := p.Match("images/sub/dir.png")
	require.True(t, ok)
	assert.Equal(t, Captures{"name": "sub/dir"}, got)

	p = MustParse("logs/{year}/{file}")
	got, ok = p.Match("logs/2024/06/app.txt")
	require.True(t, ok)
	assert.Equal(t, Captures{"year": "2024", "file": "06/app.txt"}, got)
}

func TestMatchContainerIsCaseInsensitive(t *testing.T) {
	p := MustParse("Images/{name}.png")
	_, ok := p.Match("IMAGES/cat.png")
	assert.True(t, ok)
}

func TestMatchNameIsCaseSensitive(t *testing.T) {
	p := MustParse("images/photo-{name}.png")
	_, ok := p.Match("images/PHOTO-cat.png")
	assert.False(t, ok)
	_, ok = p.Match("images/photo-cat.PNG")
	assert.False(t, ok)
}

func TestMatchContainerCapture(t *testing.T) {
	p := MustParse("{tenant}-in/{name}")
	got, ok := p.Match("Acme-in/report.pdf")
	require.True(t, ok)
	assert.Equal(t, Captures{"tenant": "acme", "name": "report.pdf"}, got)

	_, known := p.Container()
	assert.False(t, known)
}

func TestMatchRejects(t *testing.T) {
	p := MustParse("images/{name}.png")
	for _, path := range []string{
		"thumbs/cat.png",
		"images/cat.jpg",
		"images/.png",
		"images",
		"",
	} {
		_, ok := p.Match(path)
		assert.False(t, ok, path)
	}
}

func TestMatchBoundPattern(t *testing.T) {
	p := MustParse("config/settings.json")
	assert.True(t, p.IsBound())

	got, ok := p.Match("config/settings.json")
	require.True(t, ok)
	assert.Empty(t, got)

	_, ok = p.Match("config/settings.json.old")
	assert.False(t, ok)
}

func TestBind(t *testing.T) {
	p := MustParse("thumbs/{year}/{name}-small.png")
	got, err := p.Bind(Captures{"year": "2024", "name": "cat", "extra": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "thumbs/2024/cat-small.png", got)
}

func TestBindMissingCapture(t *testing.T) {
	p := MustParse("thumbs/{name}.png")
	_, err := p.Bind(Captures{"other": "x"})

	var missing *MissingCaptureError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "name", missing.Name)
}

func TestBindRejectsSlashInContainerCapture(t *testing.T) {
	p := MustParse("{tenant}/{name}")
	_, err := p.Bind(Captures{"tenant": "a/b", "name": "x"})
	assert.Error(t, err)
}

func TestMatchBindRoundTrip(t *testing.T) {
	templates := []string{
		"images/{a}.png",
		"logs/{a}/{b}",
		"{a}-archive/{b}.tar.gz",
		"out/{a}_{b}.json",
	}
	bindings := []Captures{
		{"a": "x", "b": "y"},
		{"a": "2024", "b": "app.txt"},
		{"a": "tenant1", "b": "report"},
	}

	for _, tmpl := range templates {
		p := MustParse(tmpl)
		for _, binding := range bindings {
			want := Captures{}
			for _, name := range p.Params() {
				want[name] = binding[name]
			}
			path, err := p.Bind(want)
			require.NoError(t, err, tmpl)

			got, ok := p.Match(path)
			require.True(t, ok, "%s did not match %s", tmpl, path)
			assert.Equal(t, want, got, tmpl)
		}
	}
}

func TestBindLowersContainerCapture(t *testing.T) {
	p := MustParse("{a}-archive/{b}.png")
	path, err := p.Bind(Captures{"a": "Tenant", "b": "x"})
	require.NoError(t, err)
	assert.Equal(t, "tenant-archive/x.png", path)

	got, ok := p.Match(path)
	require.True(t, ok)
	assert.Equal(t, Captures{"a": "tenant", "b": "x"}, got)
}

func TestBindRejectsValuesMatchCannotRecover(t *testing.T) {
	tests := []struct {
		tmpl string
		c    Captures
	}{
		{tmpl: "out/{a}/{b}", c: Captures{"a": "x/y", "b": "z"}},
		{tmpl: "out/{a}_{b}.json", c: Captures{"a": "x_y", "b": "z"}},
		{tmpl: "{a}-{b}/n", c: Captures{"a": "x-y", "b": "z"}},
		// The tail of the value and the head of the literal form the literal.
		{tmpl: "out/{a}aa{b}", c: Captures{"a": "xa", "b": "z"}},
	}
	for _, tt := range tests {
		_, err := MustParse(tt.tmpl).Bind(tt.c)
		assert.Error(t, err, "%s %v", tt.tmpl, tt.c)
	}

	// A capture anchored by a trailing literal may contain that literal.
	p := MustParse("in/{name}.csv")
	path, err := p.Bind(Captures{"name": "a.csv"})
	require.NoError(t, err)
	got, ok := p.Match(path)
	require.True(t, ok)
	assert.Equal(t, Captures{"name": "a.csv"}, got)
}

func TestSplitAndJoin(t *testing.T) {
	c, n, err := Split("logs/2024/app.txt")
	require.NoError(t, err)
	assert.Equal(t, "logs", c)
	assert.Equal(t, "2024/app.txt", n)
	assert.Equal(t, "logs/2024/app.txt", Join(c, n))

	_, _, err = Split("logs")
	assert.Error(t, err)
}
