package main

import (
	"reflect"
	"testing"
)

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"https://admin.example.com/", " * ", "", "localhost:3000"})
	want := []string{"admin.example.com", "*", "localhost:3000"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDSNScheme(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@db/talkiplay": "postgres",
		"sqlite:///var/lib/n.db":      "sqlite",
		"":                            "memory",
		"garbage":                     "unknown",
	}
	for dsn, want := range cases {
		if got := dsnScheme(dsn); got != want {
			t.Fatalf("dsnScheme(%q): expected %s, got %s", dsn, want, got)
		}
	}
}
