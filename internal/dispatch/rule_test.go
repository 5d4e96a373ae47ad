package dispatch

import (
	"reflect"
	"testing"

	"github.com/studyflow/dicomgw/internal/db"
)

func TestRuleMatches(t *testing.T) {
	cases := []struct {
		name       string
		rule       Rule
		study      db.Study
		modalities []string
		want       bool
	}{
		{
			name:       "zero value matches everything",
			rule:       Rule{},
			study:      db.Study{StudyDate: "20260101"},
			modalities: []string{"CT"},
			want:       true,
		},
		{
			name:       "modality match",
			rule:       Rule{Modalities: []string{"CT", "MR"}},
			study:      db.Study{},
			modalities: []string{"US", "MR"},
			want:       true,
		},
		{
			name:       "modality mismatch",
			rule:       Rule{Modalities: []string{"CT"}},
			study:      db.Study{},
			modalities: []string{"US", "MR"},
			want:       false,
		},
		{
			name:       "study date within bounds",
			rule:       Rule{MinStudyDate: "20260101", MaxStudyDate: "20261231"},
			study:      db.Study{StudyDate: "20260615"},
			modalities: nil,
			want:       true,
		},
		{
			name:       "study date before min",
			rule:       Rule{MinStudyDate: "20260101"},
			study:      db.Study{StudyDate: "20251231"},
			modalities: nil,
			want:       false,
		},
		{
			name:       "study date after max",
			rule:       Rule{MaxStudyDate: "20260101"},
			study:      db.Study{StudyDate: "20260102"},
			modalities: nil,
			want:       false,
		},
		{
			name:       "modality and date both required",
			rule:       Rule{Modalities: []string{"CT"}, MinStudyDate: "20260101"},
			study:      db.Study{StudyDate: "20260601"},
			modalities: []string{"CT"},
			want:       true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.rule.Matches(tc.study, tc.modalities)
			if got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("")
	if err != nil {
		t.Fatalf("ParseRule(\"\") error: %v", err)
	}
	if !reflect.DeepEqual(r, Rule{}) {
		t.Errorf("ParseRule(\"\") = %+v, want zero value", r)
	}

	r, err = ParseRule(`{"modalities":["CT","MR"],"min_study_date":"20260101"}`)
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	if len(r.Modalities) != 2 || r.Modalities[0] != "CT" {
		t.Errorf("ParseRule modalities = %v", r.Modalities)
	}
	if r.MinStudyDate != "20260101" {
		t.Errorf("ParseRule min date = %q", r.MinStudyDate)
	}

	if _, err := ParseRule("{not json"); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
