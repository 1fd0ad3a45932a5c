package security

import (
	"testing"
)

func TestInputValidatorRejectsControlCharacters(t *testing.T) {
	v := NewInputValidator(100, LevelStrict)
	if err := v.ValidateValue("hello\x01world"); err == nil {
		t.Fatalf("expected rejection of control character")
	}
	if err := v.ValidateValue("line1\nline2\ttabbed"); err != nil {
		t.Fatalf("expected TAB/LF/CR to be allowed, got %v", err)
	}
}

func TestInputValidatorRejectsInvalidUTF8(t *testing.T) {
	v := NewInputValidator(100, LevelStrict)
	if err := v.ValidateValue(string([]byte{0xff, 0xfe, 0xfd})); err == nil {
		t.Fatalf("expected rejection of invalid UTF-8")
	}
}

func TestInputValidatorEnforcesMaxLength(t *testing.T) {
	v := NewInputValidator(5, LevelStrict)
	if err := v.ValidateValue("123456"); err == nil {
		t.Fatalf("expected rejection of over-length string")
	}
	if err := v.ValidateValue("12345"); err != nil {
		t.Fatalf("expected exact-length string to pass, got %v", err)
	}
}

func TestInputValidatorRecursesContainers(t *testing.T) {
	v := NewInputValidator(5, LevelStrict)
	arr := []any{"ok", "toolong!"}
	if err := v.ValidateValue(arr); err == nil {
		t.Fatalf("expected array element over-length to be rejected")
	}
	obj := map[string]any{"key": "toolong!"}
	if err := v.ValidateValue(obj); err == nil {
		t.Fatalf("expected map value over-length to be rejected")
	}
}

func TestPatternDetectorFindsSQLInjection(t *testing.T) {
	d := NewPatternDetector(LevelStrict)
	r := d.Detect("1 OR 1=1")
	if r.Risk < 100 {
		t.Fatalf("expected max risk score for tautology injection, got %d", r.Risk)
	}
	if len(r.Matches) == 0 {
		t.Fatalf("expected at least one match")
	}
}

func TestPatternDetectorBasicLevelOnlyRunsCritical(t *testing.T) {
	d := NewPatternDetector(LevelBasic)
	r := d.Detect("select 1 -- trailing comment")
	if r.Risk != 0 {
		t.Fatalf("expected basic level to skip medium-severity comment pattern, got risk %d", r.Risk)
	}
}

func TestSQLValidatorRejectsDisallowedOps(t *testing.T) {
	v := NewSQLValidator(SQLValidatorConfig{
		MaxQueryLength:    1000,
		AllowedQueryTypes: []string{"SELECT"},
		RiskThreshold:     70,
		Level:             LevelStrict,
	}, nil)

	if err := v.Validate("SELECT load_file('/etc/passwd')"); err == nil {
		t.Fatalf("expected LOAD_FILE to be rejected")
	}
	if err := v.Validate("SELECT * FROM t INTO OUTFILE '/tmp/x'"); err == nil {
		t.Fatalf("expected INTO OUTFILE to be rejected")
	}
}

func TestSQLValidatorRejectsDisallowedQueryType(t *testing.T) {
	v := NewSQLValidator(SQLValidatorConfig{
		MaxQueryLength:    1000,
		AllowedQueryTypes: []string{"SELECT"},
		RiskThreshold:     70,
	}, nil)
	if err := v.Validate("DELETE FROM users"); err == nil {
		t.Fatalf("expected DELETE to be rejected when only SELECT allowed")
	}
}

func TestSQLValidatorRejectsMultiStatement(t *testing.T) {
	v := NewSQLValidator(SQLValidatorConfig{
		MaxQueryLength:    1000,
		AllowedQueryTypes: []string{"SELECT", "DELETE"},
		RiskThreshold:     70,
	}, nil)
	if err := v.Validate("SELECT 1; DROP TABLE users"); err == nil {
		t.Fatalf("expected multi-statement query to be rejected")
	}
	if err := v.Validate("SELECT 1;"); err != nil {
		t.Fatalf("expected single trailing semicolon to be allowed, got %v", err)
	}
}

func TestSQLValidatorAllowsOrdinarySelect(t *testing.T) {
	v := NewSQLValidator(SQLValidatorConfig{
		MaxQueryLength:    1000,
		AllowedQueryTypes: []string{"SELECT"},
		RiskThreshold:     70,
	}, nil)
	if err := v.Validate("SELECT id, name FROM users WHERE id = ?"); err != nil {
		t.Fatalf("expected ordinary SELECT to pass, got %v", err)
	}
}

type sampleDTO struct {
	Name string `validate:"required,min=3"`
}

func TestValidateStructUsesValidatorTags(t *testing.T) {
	v := NewInputValidator(100, LevelStrict)
	if err := v.ValidateStruct(sampleDTO{Name: "ab"}); err == nil {
		t.Fatalf("expected validator tag failure for short name")
	}
	if err := v.ValidateStruct(sampleDTO{Name: "abcd"}); err != nil {
		t.Fatalf("expected valid struct to pass, got %v", err)
	}
}
