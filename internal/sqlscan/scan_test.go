package sqlscan

import (
	"reflect"
	"testing"
)

func TestStatementsSplitsOnTopLevelSemicolons(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  int
	}{
		{"single", "SELECT 1", 1},
		{"trailing semicolon", "SELECT 1;", 1},
		{"two statements", "SELECT 1; SELECT 2", 2},
		{"semicolon in string", "SELECT 'a;b' FROM patients", 1},
		{"semicolon in comment", "SELECT 1 -- trailing; note", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Statements(tc.input)
			if len(got) != tc.want {
				t.Fatalf("Statements(%q) = %d statements, want %d: %v", tc.input, len(got), tc.want, got)
			}
		})
	}
}

func TestFirstKeyword(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"SELECT * FROM patients", "SELECT"},
		{"  with t as (select 1) select * from t", "WITH"},
		{"/* lead */ DELETE FROM patients", "DELETE"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := FirstKeyword(tc.input); got != tc.want {
			t.Fatalf("FirstKeyword(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestHasWriteKeyword(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"SELECT * FROM patients WHERE gender = 'F'", false},
		{"DELETE FROM patients", true},
		{"WITH x AS (SELECT 1) INSERT INTO admissions SELECT * FROM x", true},
		{"SELECT 'DROP TABLE patients' AS warning FROM admissions WHERE hadm_id = 1", false},
		{"SELECT * FROM prescriptions; DROP TABLE patients", true},
	}
	for _, tc := range cases {
		if got := HasWriteKeyword(Scan(tc.input)); got != tc.want {
			t.Fatalf("HasWriteKeyword(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestHasComment(t *testing.T) {
	if !HasComment("SELECT 1 -- note") {
		t.Fatal("expected line comment to be detected")
	}
	if !HasComment("SELECT /* inline */ 1") {
		t.Fatal("expected block comment to be detected")
	}
	if !HasComment("SELECT 1 # trailing") {
		t.Fatal("expected hash comment to be detected")
	}
	if HasComment("SELECT '--not a comment' FROM patients WHERE subject_id = 1") {
		t.Fatal("comment marker inside a string literal must not count")
	}
}

func TestHasAggregate(t *testing.T) {
	if !HasAggregate(Scan("SELECT COUNT(*) FROM patients")) {
		t.Fatal("expected COUNT(*) to be recognised")
	}
	if !HasAggregate(Scan("SELECT avg(anchor_age) FROM patients GROUP BY gender")) {
		t.Fatal("expected avg() to be recognised")
	}
	if HasAggregate(Scan("SELECT count FROM patients WHERE subject_id = 1")) {
		t.Fatal("bare identifier named count is not an aggregate call")
	}
}

func TestExtractRefsTablesAndColumns(t *testing.T) {
	refs := ExtractRefs("SELECT p.gender, anchor_age FROM patients p JOIN admissions a ON p.subject_id = a.subject_id WHERE a.admission_type = 'EMERGENCY'")

	wantTables := []string{"patients", "admissions"}
	if !reflect.DeepEqual(refs.Tables, wantTables) {
		t.Fatalf("tables = %v, want %v", refs.Tables, wantTables)
	}
	for _, col := range []string{"gender", "anchor_age", "subject_id", "admission_type"} {
		if !containsString(refs.Columns, col) {
			t.Fatalf("columns missing %q: %v", col, refs.Columns)
		}
	}
	if refs.Qualified["gender"] != "patients" {
		t.Fatalf("p.gender should resolve to patients, got %q", refs.Qualified["gender"])
	}
	if refs.Qualified["admission_type"] != "admissions" {
		t.Fatalf("a.admission_type should resolve to admissions, got %q", refs.Qualified["admission_type"])
	}
}

func TestExtractRefsIgnoresCTEAndAliases(t *testing.T) {
	refs := ExtractRefs("WITH recent AS (SELECT subject_id FROM admissions WHERE admittime > '2020-01-01') SELECT COUNT(*) AS total FROM recent")

	if containsString(refs.Tables, "recent") {
		t.Fatalf("CTE name leaked into tables: %v", refs.Tables)
	}
	if !containsString(refs.Tables, "admissions") {
		t.Fatalf("tables missing admissions: %v", refs.Tables)
	}
	if containsString(refs.Columns, "total") {
		t.Fatalf("output alias leaked into columns: %v", refs.Columns)
	}
}

func TestExtractRefsQuotedIdentifiers(t *testing.T) {
	refs := ExtractRefs(`SELECT "anchor_age" FROM "patients" WHERE subject_id = 7`)
	if !containsString(refs.Tables, "patients") {
		t.Fatalf("tables missing patients: %v", refs.Tables)
	}
	if !containsString(refs.Columns, "anchor_age") {
		t.Fatalf("columns missing anchor_age: %v", refs.Columns)
	}
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
