package helper

import "testing"

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw  string
		want RemoteURL
	}{
		{"dropbox:///foo/bar", RemoteURL{Root: "/foo/bar"}},
		{"dropbox://work@/foo", RemoteURL{Account: "work", Root: "/foo"}},
		{"dropbox://:SECRET@/foo", RemoteURL{Token: "SECRET", Root: "/foo"}},
		{"dropbox:///Mixed/Case", RemoteURL{Root: "/mixed/case"}},
	}
	for _, c := range cases {
		got, err := ParseURL(c.raw)
		if err != nil {
			t.Fatalf("ParseURL(%q): %v", c.raw, err)
		}
		if got != c.want {
			t.Fatalf("ParseURL(%q) = %+v, want %+v", c.raw, got, c.want)
		}
	}
}

func TestParseURLRejects(t *testing.T) {
	for _, raw := range []string{
		"https:///foo",               // wrong scheme
		"dropbox://path/to/repo",     // missing third slash
		"dropbox://user:tok@/foo",    // both username and token
		"dropbox:///foo/",            // trailing slash
		"dropbox://",                 // no path
		"dropbox://work@",            // no path
	} {
		if _, err := ParseURL(raw); err == nil {
			t.Fatalf("ParseURL(%q) succeeded", raw)
		}
	}
}
