package domain

import (
	"strings"
	"testing"
)

func TestOutcomeConstructors(t *testing.T) {
	ok := Succeeded("hi\n").For("t1")
	if !ok.OK() || ok.Output != "hi\n" || ok.TaskID != "t1" || ok.Kind != "" {
		t.Errorf("Succeeded = %+v", ok)
	}

	failed := Failed(FailureSandboxTimeout, ReasonTimeout)
	if failed.OK() || failed.Reason != "exceeded timeout" || failed.Output != "" {
		t.Errorf("Failed = %+v", failed)
	}

	unsupported := UnsupportedLanguage("cobol")
	if unsupported.Kind != FailureUnsupportedLanguage || unsupported.Reason != "unsupported language: cobol" {
		t.Errorf("UnsupportedLanguage = %+v", unsupported)
	}
}

func TestLanguages(t *testing.T) {
	langs := Languages{
		"ruby":   {Command: []string{"ruby"}, Extension: ".rb", Image: "ruby:3.3-alpine"},
		"python": {Command: []string{"python3"}, Extension: ".py", Image: "python:3.12-alpine"},
	}

	if got := strings.Join(langs.IDs(), ","); got != "python,ruby" {
		t.Errorf("IDs = %s", got)
	}
	if p, ok := langs.Lookup("python"); !ok || p.Extension != ".py" {
		t.Errorf("Lookup(python) = %+v, %v", p, ok)
	}
	if _, ok := langs.Lookup("cobol"); ok {
		t.Error("cobol should not resolve")
	}
}
