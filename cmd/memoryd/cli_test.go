package main

import "testing"

func TestVectorBackendLabel(t *testing.T) {
	cases := map[string]string{"vec0": "ann", "brute_force": "flat", "": "flat"}
	for in, want := range cases {
		if got := vectorBackendLabel(in); got != want {
			t.Errorf("vectorBackendLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbedderLabel(t *testing.T) {
	cases := map[string]string{
		"ollama:embeddinggemma":      "neural",
		"genai:gemini-embedding-001": "neural",
		"tfidf":                      "tfidf",
		"lexical_only":               "tfidf",
	}
	for in, want := range cases {
		if got := embedderLabel(in); got != want {
			t.Errorf("embedderLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseRecentDays(t *testing.T) {
	if got, err := parseRecentDays("30d"); err != nil || got != 30 {
		t.Errorf("parseRecentDays(30d) = %d, %v", got, err)
	}
	if _, err := parseRecentDays("0d"); err == nil {
		t.Error("expected error for non-positive recent window")
	}
	if _, err := parseRecentDays("abc"); err == nil {
		t.Error("expected error for non-numeric recent window")
	}
}

func TestRunRecall_InvalidSortReturnsInvalidArgsExitCode(t *testing.T) {
	recallSort = "bogus"
	recallFormat = "json"
	defer func() { recallSort = "relevance" }()

	err := runRecall(recallCmd, nil)
	if err == nil {
		t.Fatal("expected an error for invalid --sort")
	}
	ce, ok := err.(*cliError)
	if !ok {
		t.Fatalf("expected *cliError, got %T", err)
	}
	if ce.code != exitInvalidArgs {
		t.Errorf("exit code = %d, want %d", ce.code, exitInvalidArgs)
	}
}

func TestRunHealth_InvalidFormatReturnsInvalidArgsExitCode(t *testing.T) {
	healthFormat = "xml"
	defer func() { healthFormat = "json" }()

	err := runHealth(healthCmd, nil)
	ce, ok := err.(*cliError)
	if !ok {
		t.Fatalf("expected *cliError, got %T", err)
	}
	if ce.code != exitInvalidArgs {
		t.Errorf("exit code = %d, want %d", ce.code, exitInvalidArgs)
	}
}
